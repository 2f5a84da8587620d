package nostr

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = (*Event)(nil)
	_ easyjson.Unmarshaler = (*Event)(nil)
)

func (evt *Event) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(true)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			evt.ID = in.String()
		case "pubkey":
			evt.PubKey = in.String()
		case "created_at":
			evt.CreatedAt = Timestamp(in.Int64())
		case "kind":
			evt.Kind = in.Int()
		case "tags":
			in.Delim('[')
			evt.Tags = make(Tags, 0, 7)
			for !in.IsDelim(']') {
				var tag Tag
				if in.IsNull() {
					in.Skip()
				} else {
					in.Delim('[')
					tag = make(Tag, 0, 5)
					for !in.IsDelim(']') {
						tag = append(tag, in.String())
						in.WantComma()
					}
					in.Delim(']')
				}
				evt.Tags = append(evt.Tags, tag)
				in.WantComma()
			}
			in.Delim(']')
		case "content":
			evt.Content = in.String()
		case "sig":
			evt.Sig = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func (evt Event) MarshalEasyJSON(out *jwriter.Writer) {
	out.NoEscapeHTML = true
	out.RawByte('{')
	first := true
	if evt.ID != "" {
		out.RawString(`"id":"`)
		out.RawString(evt.ID)
		out.RawByte('"')
		first = false
	}
	if evt.PubKey != "" {
		if !first {
			out.RawByte(',')
		}
		out.RawString(`"pubkey":"`)
		out.RawString(evt.PubKey)
		out.RawByte('"')
		first = false
	}
	if !first {
		out.RawByte(',')
	}
	out.RawString(`"created_at":`)
	out.Int64(int64(evt.CreatedAt))
	out.RawString(`,"kind":`)
	out.Int(evt.Kind)
	out.RawString(`,"tags":`)
	out.Buffer.Buf = evt.Tags.marshalTo(out.Buffer.Buf)
	out.RawString(`,"content":`)
	out.Buffer.Buf = escapeString(out.Buffer.Buf, evt.Content)
	if evt.Sig != "" {
		out.RawString(`,"sig":"`)
		out.RawString(evt.Sig)
		out.RawByte('"')
	}
	out.RawByte('}')
}

// MarshalJSON returns the JSON encoding of the event as in NIP-01.
func (evt Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	evt.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// UnmarshalJSON reads an event from its NIP-01 JSON representation.
func (evt *Event) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	evt.UnmarshalEasyJSON(&r)
	return r.Error()
}
