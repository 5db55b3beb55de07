package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/coffersTech/allocq/internal/errs"
)

// ParseSortKeys reads "size:desc,id" style sort specs.
func ParseSortKeys(spec string) ([]SortKey, error) {
	if spec == "" {
		return nil, nil
	}
	var keys []SortKey
	for _, part := range strings.Split(spec, ",") {
		name, dir, _ := strings.Cut(strings.TrimSpace(part), ":")
		f, ok := ParseField(name)
		if !ok {
			return nil, errs.InvalidArgument("unknown sort field %q", name)
		}
		switch strings.ToLower(dir) {
		case "", "asc":
			keys = append(keys, Asc(f))
		case "desc":
			keys = append(keys, Desc(f))
		default:
			return nil, errs.InvalidArgument("unknown sort direction %q", dir)
		}
	}
	return keys, nil
}

// ParseGroupBy reads "type", "thread", "size:<width>" or "time:<duration>".
func ParseGroupBy(spec string) (GroupBy, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "":
		return GroupBy{}, nil
	case "type":
		return ByType(), nil
	case "thread":
		return ByThread(), nil
	case "size":
		w, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return GroupBy{}, errs.InvalidArgument("invalid size bucket width %q", arg)
		}
		return BySizeBucket(w), nil
	case "time":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return GroupBy{}, errs.InvalidArgument("invalid time bucket %q", arg)
		}
		return ByTimeBucket(d), nil
	}
	return GroupBy{}, errs.InvalidArgument("unknown grouping %q", kind)
}

// ParseFunctions reads a comma-separated list. Empty means Count only.
func ParseFunctions(spec string) ([]Function, error) {
	if spec == "" {
		return []Function{Count}, nil
	}
	var fns []Function
	for _, name := range strings.Split(spec, ",") {
		fn, ok := ParseFunction(strings.TrimSpace(name))
		if !ok {
			return nil, errs.InvalidArgument("unknown aggregate function %q", name)
		}
		fns = append(fns, fn)
	}
	return fns, nil
}
