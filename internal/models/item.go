package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ItemID identifies an image. The API has served it both as a number and as
// a string, so both decode into the same textual form.
type ItemID string

// UnmarshalJSON implements json.Unmarshaler for ItemID
func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ItemID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ItemID(n.String())
	return nil
}

func (id ItemID) String() string { return string(id) }

// Dimension is a width or height. Missing, null or unparseable values decode
// to an invalid dimension instead of failing the whole page.
type Dimension struct {
	Value int
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler for Dimension
func (d *Dimension) UnmarshalJSON(data []byte) error {
	*d = Dimension{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	d.Value = int(f)
	d.Valid = true
	return nil
}

// MarshalJSON implements json.Marshaler for Dimension
func (d Dimension) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(d.Value)), nil
}

// Int returns the value when valid, otherwise zero.
func (d Dimension) Int() int {
	if !d.Valid {
		return 0
	}
	return d.Value
}

// TagList accepts tags as plain strings or as objects carrying a name.
type TagList []string

// UnmarshalJSON implements json.Unmarshaler for TagList
func (t *TagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*t = nil
		return nil
	}
	out := make(TagList, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj TagVote
		if err := json.Unmarshal(r, &obj); err == nil && strings.TrimSpace(obj.Name) != "" {
			out = append(out, strings.TrimSpace(obj.Name))
		}
	}
	*t = out
	return nil
}

// ImageStats holds the reaction counters of an image.
type ImageStats struct {
	CryCount     int `json:"cryCount"`
	LaughCount   int `json:"laughCount"`
	LikeCount    int `json:"likeCount"`
	HeartCount   int `json:"heartCount"`
	CommentCount int `json:"commentCount"`
}

// ImageItem is a single entry of the images listing. Field order matches the
// metadata sidecar written next to each download.
type ImageItem struct {
	ID        ItemID          `json:"id"`
	URL       string          `json:"url"`
	Width     Dimension       `json:"width"`
	Height    Dimension       `json:"height"`
	Hash      string          `json:"hash"`
	Nsfw      any             `json:"nsfw"`
	NsfwLevel any             `json:"nsfwLevel"`
	CreatedAt string          `json:"createdAt"`
	PostID    *int64          `json:"postId"`
	Username  string          `json:"username"`
	BaseModel string          `json:"baseModel,omitempty"`
	Stats     *ImageStats     `json:"stats"`
	Meta      json.RawMessage `json:"meta"`
	Tags      TagList         `json:"tags,omitempty"`

	// Raw is the item exactly as the API sent it.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler for ImageItem. The input is kept
// verbatim in Raw.
func (i *ImageItem) UnmarshalJSON(data []byte) error {
	type plain ImageItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = ImageItem(p)
	i.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Source returns the item as received, or its re-encoding when it was built
// in code.
func (i ImageItem) Source() (json.RawMessage, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}
	return json.Marshal(i)
}

// RatingSignal returns the raw rating value: nsfwLevel when present,
// otherwise nsfw.
func (i ImageItem) RatingSignal() any {
	if present(i.NsfwLevel) {
		return i.NsfwLevel
	}
	return i.Nsfw
}

// RatingLevel is the normalized rating of the item.
func (i ImageItem) RatingLevel() int {
	return NormalizeRating(i.RatingSignal())
}

// HasMeta reports whether the item carries a generation-parameter object.
func (i ImageItem) HasMeta() bool {
	m := bytes.TrimSpace(i.Meta)
	return len(m) > 0 && m[0] == '{'
}

// LongerSide returns the larger of width and height. ok is false when either
// dimension is unusable.
func (i ImageItem) LongerSide() (int, bool) {
	if !i.Width.Valid || !i.Height.Valid {
		return 0, false
	}
	if i.Width.Value > i.Height.Value {
		return i.Width.Value, true
	}
	return i.Height.Value, true
}

// FilterReactions is the sum used by the minimum-reactions filter.
func (i ImageItem) FilterReactions() (int, bool) {
	if i.Stats == nil {
		return 0, false
	}
	s := i.Stats
	return s.LikeCount + s.HeartCount + s.LaughCount + s.CryCount, true
}

// ReactionTotal is the denormalized engagement score stored in the ledger.
func (i ImageItem) ReactionTotal() int {
	if i.Stats == nil {
		return 0
	}
	return i.Stats.LikeCount + i.Stats.HeartCount + i.Stats.CommentCount
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case json.Number:
		return t.String() != "0"
	}
	return true
}
