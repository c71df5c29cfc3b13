package rev

import (
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrRegistryMismatch = errors.New("rev: rev map does not match model registry")
)

// Direction tags a registry mismatch with the transfer that detected it.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// MismatchError lists the model ids of a rev map that are not registered locally.
type MismatchError struct {
	Direction Direction
	Unknown   []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("rev map mismatch on %s: unknown models %v", e.Direction, e.Unknown)
}

func (e *MismatchError) Unwrap() error {
	return ErrRegistryMismatch
}

// DiffResult holds the ids that have to be transferred and the ids that have to be removed.
type DiffResult struct {
	ToUpdate []string
	ToDelete []string
}

// IsEmpty reports whether nothing has to move.
func (d DiffResult) IsEmpty() bool {
	return len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Diff compares the newer rev map against the one it is about to overwrite.
func Diff(newer, toOverwrite Map) DiffResult {
	res := DiffResult{
		ToUpdate: []string{},
		ToDelete: []string{},
	}
	for id, r := range newer {
		old, ok := toOverwrite[id]
		if !ok || !IsSameRev(r, old) {
			res.ToUpdate = append(res.ToUpdate, id)
		}
	}
	for id := range toOverwrite {
		if _, ok := newer[id]; !ok {
			res.ToDelete = append(res.ToDelete, id)
		}
	}
	sort.Strings(res.ToUpdate)
	sort.Strings(res.ToDelete)
	return res
}

// DiffOptions control registry validation and exclusion in DiffForRegistry.
type DiffOptions struct {
	Direction Direction
	// Registered is the set of model ids known to this client.
	Registered mapset.Set[string]
	// Excluded ids are dropped from both result sets (main file models travel inside the meta object).
	Excluded mapset.Set[string]
}

// DiffForRegistry diffs two rev maps after checking that every id in them is a registered model.
func DiffForRegistry(newer, toOverwrite Map, opts DiffOptions) (DiffResult, error) {
	if opts.Registered != nil {
		unknown := mapset.NewThreadUnsafeSet[string]()
		for id := range newer {
			if !opts.Registered.Contains(id) {
				unknown.Add(id)
			}
		}
		for id := range toOverwrite {
			if !opts.Registered.Contains(id) {
				unknown.Add(id)
			}
		}
		if unknown.Cardinality() > 0 {
			ids := unknown.ToSlice()
			sort.Strings(ids)
			return DiffResult{}, &MismatchError{Direction: opts.Direction, Unknown: ids}
		}
	}

	res := Diff(newer, toOverwrite)
	if opts.Excluded == nil || opts.Excluded.Cardinality() == 0 {
		return res, nil
	}

	keep := func(ids []string) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if !opts.Excluded.Contains(id) {
				out = append(out, id)
			}
		}
		return out
	}
	res.ToUpdate = keep(res.ToUpdate)
	res.ToDelete = keep(res.ToDelete)
	return res, nil
}
