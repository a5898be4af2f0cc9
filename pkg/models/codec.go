package models

import (
	"encoding/json"
	"strconv"
)

var (
	metadataKeys = []string{"visibleName", "parent", "deleted", "type", "lastModified",
		"metadatamodified", "modified", "pinned", "synced", "version"}
	contentKeys = []string{"fileType", "pages", "pageCount", "lastOpenedPage", "orientation"}
)

type metadataAlias Metadata
type contentAlias Content

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	// lastModified is a string on current firmware and a number on some
	// older releases.
	var lastModified string
	if v, ok := raw["lastModified"]; ok {
		if err := json.Unmarshal(v, &lastModified); err != nil {
			var n json.Number
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			lastModified = n.String()
		}
		delete(raw, "lastModified")
	}

	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var a metadataAlias
	if err := json.Unmarshal(rest, &a); err != nil {
		return err
	}
	a.LastModified = lastModified
	a.Extra = extraKeys(raw, metadataKeys)
	*m = Metadata(a)
	return nil
}

// MarshalJSON writes known fields over the preserved extras.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return mergeJSON(metadataAlias(m), m.Extra)
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (c *Content) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var a contentAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.Extra = extraKeys(raw, contentKeys)
	*c = Content(a)
	return nil
}

// MarshalJSON writes known fields over the preserved extras.
func (c Content) MarshalJSON() ([]byte, error) {
	return mergeJSON(contentAlias(c), c.Extra)
}

func extraKeys(raw map[string]json.RawMessage, known []string) map[string]json.RawMessage {
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func mergeJSON(known any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+10)
	for k, v := range extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.MarshalIndent(merged, "", "    ")
}

// DecodeMetadata parses a <uid>.metadata document.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(data, &m)
	return m, err
}

// DecodeContent parses a <uid>.content document. Missing content decodes
// to the zero value.
func DecodeContent(data []byte) (Content, error) {
	var c Content
	if len(data) == 0 {
		return c, nil
	}
	err := json.Unmarshal(data, &c)
	return c, err
}

// Encode returns the metadata and content documents of e.
func (e *Entry) Encode() (metadata, content []byte, err error) {
	if metadata, err = json.MarshalIndent(e.Metadata, "", "    "); err != nil {
		return nil, nil, err
	}
	if content, err = json.MarshalIndent(e.Content, "", "    "); err != nil {
		return nil, nil, err
	}
	return metadata, content, nil
}

// ParseLastModified returns the modification time in milliseconds, or 0.
func (m Metadata) ParseLastModified() int64 {
	ms, err := strconv.ParseFloat(m.LastModified, 64)
	if err != nil {
		return 0
	}
	return int64(ms)
}
