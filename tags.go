package nostr

import "slices"

type Tag []string

type Tags []Tag

// ContainsAny reports whether some tag named tagName has one of values as its value.
func (tags Tags) ContainsAny(tagName string, values []string) bool {
	return slices.ContainsFunc(tags, func(tag Tag) bool {
		return len(tag) >= 2 && tag[0] == tagName && slices.Contains(values, tag[1])
	})
}

// marshalTo appends tags to dst as a json array of string arrays.
func (tags Tags) marshalTo(dst []byte) []byte {
	dst = append(dst, '[')
	for i, tag := range tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, s := range tag {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = escapeString(dst, s)
		}
		dst = append(dst, ']')
	}
	return append(dst, ']')
}
