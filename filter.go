package nostr

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

type Filters []Filter

type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    TagMap
	Since   *Timestamp
	Until   *Timestamp
	Limit   int
}

type TagMap map[string][]string

var (
	_ easyjson.Marshaler   = (*Filter)(nil)
	_ easyjson.Unmarshaler = (*Filter)(nil)
)

func (eff Filters) String() string {
	j, _ := json.Marshal(eff)
	return string(j)
}

func (eff Filters) Match(event *Event) bool {
	for _, filter := range eff {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

func (ef Filter) String() string {
	j, _ := easyjson.Marshal(ef)
	return string(j)
}

func (ef Filter) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	if ef.IDs != nil && !slices.Contains(ef.IDs, event.ID) {
		return false
	}

	if ef.Kinds != nil && !slices.Contains(ef.Kinds, event.Kind) {
		return false
	}

	if ef.Authors != nil && !slices.Contains(ef.Authors, event.PubKey) {
		return false
	}

	for f, v := range ef.Tags {
		if v != nil && !event.Tags.ContainsAny(f, v) {
			return false
		}
	}

	if ef.Since != nil && event.CreatedAt < *ef.Since {
		return false
	}

	if ef.Until != nil && event.CreatedAt > *ef.Until {
		return false
	}

	return true
}

func (ef Filter) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('{')
	first := true
	comma := func() {
		if !first {
			out.RawByte(',')
		}
		first = false
	}
	writeStrings := func(values []string) {
		out.RawByte('[')
		for i, v := range values {
			if i > 0 {
				out.RawByte(',')
			}
			out.String(v)
		}
		out.RawByte(']')
	}

	if ef.IDs != nil {
		comma()
		out.RawString(`"ids":`)
		writeStrings(ef.IDs)
	}
	if ef.Kinds != nil {
		comma()
		out.RawString(`"kinds":[`)
		for i, k := range ef.Kinds {
			if i > 0 {
				out.RawByte(',')
			}
			out.Int(k)
		}
		out.RawByte(']')
	}
	if ef.Authors != nil {
		comma()
		out.RawString(`"authors":`)
		writeStrings(ef.Authors)
	}
	if ef.Since != nil {
		comma()
		out.RawString(`"since":`)
		out.Int64(int64(*ef.Since))
	}
	if ef.Until != nil {
		comma()
		out.RawString(`"until":`)
		out.Int64(int64(*ef.Until))
	}
	if ef.Limit > 0 {
		comma()
		out.RawString(`"limit":`)
		out.Int(ef.Limit)
	}

	// sorted so the output is stable
	keys := make([]string, 0, len(ef.Tags))
	for k := range ef.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		comma()
		out.String("#" + k)
		out.RawByte(':')
		writeStrings(ef.Tags[k])
	}

	out.RawByte('}')
}

func (ef *Filter) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	readStrings := func() []string {
		values := make([]string, 0, 4)
		in.Delim('[')
		for !in.IsDelim(']') {
			values = append(values, in.String())
			in.WantComma()
		}
		in.Delim(']')
		return values
	}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "ids":
			ef.IDs = readStrings()
		case "kinds":
			ef.Kinds = make([]int, 0, 4)
			in.Delim('[')
			for !in.IsDelim(']') {
				ef.Kinds = append(ef.Kinds, in.Int())
				in.WantComma()
			}
			in.Delim(']')
		case "authors":
			ef.Authors = readStrings()
		case "since":
			ts := Timestamp(in.Int64())
			ef.Since = &ts
		case "until":
			ts := Timestamp(in.Int64())
			ef.Until = &ts
		case "limit":
			ef.Limit = in.Int()
		default:
			if len(key) > 1 && key[0] == '#' {
				if ef.Tags == nil {
					ef.Tags = make(TagMap)
				}
				ef.Tags[strings.Clone(key[1:])] = readStrings()
			} else {
				in.SkipRecursive()
			}
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func (ef Filter) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	ef.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

func (ef *Filter) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	ef.UnmarshalEasyJSON(&r)
	return r.Error()
}
