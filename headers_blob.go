package hbridge

import (
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// ParseHeaderBlob decodes the serialized headers some engines pass along with a request. Both a JSON object
// ({"Name": "value"} or {"Name": ["v1", "v2"]}) and an array of pairs ([["Name", "value"], ...]) are accepted. Order
// and duplicates are preserved.
func ParseHeaderBlob(blob string) (HeaderList, error) {
	if blob == "" {
		return nil, nil
	}

	if !gjson.Valid(blob) {
		return nil, errors.New("header blob is not valid JSON")
	}

	var (
		out HeaderList
		err error
	)

	res := gjson.Parse(blob)
	switch {
	case res.IsObject():
		res.ForEach(func(key, value gjson.Result) bool {
			if value.IsArray() {
				for _, v := range value.Array() {
					out = append(out, HeaderField{Name: key.String(), Value: v.String()})
				}
				return true
			}

			out = append(out, HeaderField{Name: key.String(), Value: value.String()})
			return true
		})
	case res.IsArray():
		res.ForEach(func(_, pair gjson.Result) bool {
			kv := pair.Array()
			if len(kv) != 2 {
				err = errors.Newf("header pair %s must have two elements", pair.Raw)
				return false
			}

			out = append(out, HeaderField{Name: kv[0].String(), Value: kv[1].String()})
			return true
		})
	default:
		return nil, errors.New("header blob must be an object or an array of pairs")
	}

	return out, err
}
