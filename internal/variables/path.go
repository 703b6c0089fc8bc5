package variables

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Segment is one step of a variable path. The first segment of a parsed path
// is always the variable name.
type Segment struct {
	Field   string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Field
}

// ParsePath splits a path of the form name(.field|[index])* into segments.
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable path")
	}

	var segs []Segment
	name, i := readName(path, 0)
	if name == "" {
		return nil, pathErr(path, "missing variable name")
	}
	segs = append(segs, Segment{Field: name})

	for i < len(path) {
		switch path[i] {
		case '.':
			var field string
			field, i = readName(path, i+1)
			if field == "" {
				return nil, pathErr(path, "empty field name at offset "+strconv.Itoa(i))
			}
			segs = append(segs, Segment{Field: field})
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, pathErr(path, "unterminated index")
			}
			raw := path[i+1 : i+end]
			idx, err := strconv.Atoi(raw)
			if err != nil || idx < 0 || raw == "" || raw[0] == '+' {
				return nil, pathErr(path, "invalid index "+strconv.Quote(raw))
			}
			segs = append(segs, Segment{Index: idx, IsIndex: true})
			i += end + 1
		default:
			return nil, pathErr(path, "unexpected character "+strconv.QuoteRune(rune(path[i])))
		}
	}
	return segs, nil
}

func readName(path string, i int) (string, int) {
	start := i
	for i < len(path) && path[i] != '.' && path[i] != '[' && path[i] != ']' {
		i++
	}
	return path[start:i], i
}

func pathErr(path, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid variable path %q: %s", path, reason).
		WithDetails(map[string]any{"path": path})
}

// Traverse walks segs starting at root. It never fails: any type mismatch,
// missing key or out-of-range index reports found=false.
func Traverse(root any, segs []Segment) (any, bool) {
	cur := root
	for _, seg := range segs {
		if cur == nil {
			return nil, false
		}
		if seg.IsIndex {
			rv := reflect.ValueOf(cur)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return nil, false
			}
			if seg.Index >= rv.Len() {
				return nil, false
			}
			cur = rv.Index(seg.Index).Interface()
			continue
		}
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[seg.Field]
			if !ok {
				return nil, false
			}
			cur = v
		case schema.FileRef:
			v, ok := fileField(m, seg.Field)
			if !ok {
				return nil, false
			}
			cur = v
		default:
			rv := reflect.ValueOf(cur)
			if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			v := rv.MapIndex(reflect.ValueOf(seg.Field).Convert(rv.Type().Key()))
			if !v.IsValid() {
				return nil, false
			}
			cur = v.Interface()
		}
	}
	return cur, cur != nil
}

func fileField(f schema.FileRef, field string) (any, bool) {
	switch field {
	case "file_id":
		return f.FileID, true
	case "name":
		return f.Name, f.Name != ""
	case "mime_type":
		return f.MimeType, f.MimeType != ""
	}
	return nil, false
}
