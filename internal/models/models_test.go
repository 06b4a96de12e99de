package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStatusConstants(t *testing.T) {
	if !IsComplete(StatusSuccess) || !IsComplete(StatusMigrated) {
		t.Error("success and migrated should both count as complete")
	}
	if IsComplete(StatusFailed) {
		t.Error("failed must not count as complete")
	}
}

func TestImageItem_Unmarshal(t *testing.T) {
	payload := `{
		"id": 12345,
		"url": "https://image.civitai.com/x/original=true/12345.jpeg",
		"width": "1024",
		"height": 1536,
		"hash": "UABC",
		"nsfw": false,
		"nsfwLevel": "Mature",
		"createdAt": "2024-01-01T00:00:00.000Z",
		"postId": 99,
		"username": "artist",
		"stats": {"likeCount": 3, "heartCount": 2, "commentCount": 1, "laughCount": 4, "cryCount": 5},
		"meta": {"prompt": "a cat"},
		"tags": ["cat", {"name": "animal"}, ""]
	}`

	var item ImageItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if item.ID != "12345" {
		t.Errorf("ID = %q, want %q", item.ID, "12345")
	}
	if !item.Width.Valid || item.Width.Value != 1024 {
		t.Errorf("Width = %+v, want valid 1024", item.Width)
	}
	if side, ok := item.LongerSide(); !ok || side != 1536 {
		t.Errorf("LongerSide = %d,%v want 1536,true", side, ok)
	}
	if got := item.RatingLevel(); got != 2 {
		t.Errorf("RatingLevel = %d, want 2", got)
	}
	if got := item.ReactionTotal(); got != 6 {
		t.Errorf("ReactionTotal = %d, want 6", got)
	}
	if got, ok := item.FilterReactions(); !ok || got != 14 {
		t.Errorf("FilterReactions = %d,%v want 14,true", got, ok)
	}
	if len(item.Tags) != 2 || item.Tags[0] != "cat" || item.Tags[1] != "animal" {
		t.Errorf("Tags = %v, want [cat animal]", item.Tags)
	}
	if !item.HasMeta() {
		t.Error("expected meta to be present")
	}
}

func TestImageItem_StringIDAndBadDimensions(t *testing.T) {
	payload := `{"id": "777", "url": "u", "width": "wide", "height": null, "meta": null}`

	var item ImageItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if item.ID != "777" {
		t.Errorf("ID = %q, want 777", item.ID)
	}
	if item.Width.Valid || item.Height.Valid {
		t.Error("unparseable and null dimensions should be invalid")
	}
	if _, ok := item.LongerSide(); ok {
		t.Error("LongerSide should report unusable dimensions")
	}
	if item.HasMeta() {
		t.Error("null meta should not count as present")
	}
	if _, ok := item.FilterReactions(); ok {
		t.Error("missing stats should not produce a reaction sum")
	}
}

func TestImageItem_MarshalKeepsSidecarShape(t *testing.T) {
	item := ImageItem{ID: "1", URL: "u", Width: Dimension{Value: 10, Valid: true}}
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	for _, key := range []string{`"id":"1"`, `"width":10`, `"height":null`, `"nsfwLevel":null`, `"stats":null`} {
		if !strings.Contains(s, key) {
			t.Errorf("marshalled item %s missing %s", s, key)
		}
	}
}

func TestRatingSignal_PrefersLevel(t *testing.T) {
	item := ImageItem{Nsfw: "X", NsfwLevel: float64(0)}
	if got := item.RatingLevel(); got != 5 {
		t.Errorf("zero level should fall back to nsfw label, got %d", got)
	}
	item = ImageItem{Nsfw: true, NsfwLevel: "XXX"}
	if got := item.RatingLevel(); got != 6 {
		t.Errorf("level should win over nsfw, got %d", got)
	}
}

func TestCursor_Unmarshal(t *testing.T) {
	var resp ImageApiResponse
	if err := json.Unmarshal([]byte(`{"items": [], "metadata": {"nextCursor": 4242}}`), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Metadata.NextCursor != "4242" {
		t.Errorf("numeric cursor = %q, want 4242", resp.Metadata.NextCursor)
	}
	if err := json.Unmarshal([]byte(`{"items": [], "metadata": {"nextCursor": "12|34"}}`), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if resp.Metadata.NextCursor != "12|34" {
		t.Errorf("string cursor = %q, want 12|34", resp.Metadata.NextCursor)
	}
	if err := json.Unmarshal([]byte(`{"items": [], "metadata": {}}`), &resp); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
}

func TestQueryKey_IgnoresCursor(t *testing.T) {
	a := ImageAPIParameters{Sort: "Newest", Period: "Week", Cursor: "1"}
	b := ImageAPIParameters{Sort: "Newest", Period: "Week", Cursor: "2"}
	if a.QueryKey() != b.QueryKey() {
		t.Error("query key should not depend on the cursor")
	}
	c := ImageAPIParameters{Sort: "Most Reactions", Period: "Week"}
	if a.QueryKey() == c.QueryKey() {
		t.Error("different sorts should produce different keys")
	}
}

func TestImageItem_SourceIsVerbatim(t *testing.T) {
	raw := `{"id": 9, "url": "u", "type": "image", "browsingLevel": 4, "stats": {"dislikeCount": 2}}`
	var item ImageItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if item.ID != "9" || item.URL != "u" {
		t.Errorf("typed fields not decoded: %+v", item)
	}
	src, err := item.Source()
	if err != nil {
		t.Fatal(err)
	}
	if string(src) != raw {
		t.Errorf("Source() = %s, want the input unchanged", src)
	}

	built := ImageItem{ID: "3", URL: "v"}
	src, err = built.Source()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(src), `"id":"3"`) {
		t.Errorf("items built in code fall back to their encoding, got %s", src)
	}
}
