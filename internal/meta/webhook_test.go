package meta

import (
	"encoding/json"
	"testing"
)

func TestWebhookEventDecode(t *testing.T) {
	payload := `{
		"object": "page",
		"entry": [{
			"id": "1784918234982347",
			"time": 1767200000,
			"changes": [{
				"field": "feed",
				"value": {
					"item": "post",
					"post_id": "1784918234982347_987654",
					"verb": "add",
					"message": "Fresh out of the oven #specials",
					"from": {"id": "1784918234982347", "name": "Corner Bakery"},
					"created_time": 1767199990,
					"published": 1
				}
			}]
		}]
	}`

	var event WebhookEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("unmarshal webhook event: %v", err)
	}

	if event.Object != "page" {
		t.Errorf("Object = %q, want %q", event.Object, "page")
	}
	if len(event.Entry) != 1 || len(event.Entry[0].Changes) != 1 {
		t.Fatalf("entry/changes shape = %d/%d, want 1/1", len(event.Entry), len(event.Entry[0].Changes))
	}

	change := event.Entry[0].Changes[0]
	if change.Value.PostID != "1784918234982347_987654" {
		t.Errorf("PostID = %q", change.Value.PostID)
	}
	if change.Value.From == nil || change.Value.From.Name != "Corner Bakery" {
		t.Errorf("From = %+v, want Corner Bakery", change.Value.From)
	}
	if change.Value.CreatedTime != 1767199990 {
		t.Errorf("CreatedTime = %d, want 1767199990", change.Value.CreatedTime)
	}
}

func TestChangeIsNewPost(t *testing.T) {
	tests := []struct {
		name   string
		change Change
		want   bool
	}{
		{
			name:   "new feed post",
			change: Change{Field: "feed", Value: ChangeValue{Item: "post", Verb: "add", PostID: "1_2"}},
			want:   true,
		},
		{
			name:   "new status counts too",
			change: Change{Field: "feed", Value: ChangeValue{Item: "status", Verb: "add", PostID: "1_3"}},
			want:   true,
		},
		{
			name:   "edited post",
			change: Change{Field: "feed", Value: ChangeValue{Item: "post", Verb: "edited", PostID: "1_2"}},
			want:   false,
		},
		{
			name:   "removed post",
			change: Change{Field: "feed", Value: ChangeValue{Item: "post", Verb: "remove", PostID: "1_2"}},
			want:   false,
		},
		{
			name:   "non-feed field",
			change: Change{Field: "mention", Value: ChangeValue{Verb: "add", PostID: "1_2"}},
			want:   false,
		},
		{
			name:   "missing post id",
			change: Change{Field: "feed", Value: ChangeValue{Item: "reaction", Verb: "add"}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.change.IsNewPost(); got != tt.want {
				t.Errorf("IsNewPost() = %t, want %t", got, tt.want)
			}
		})
	}
}
