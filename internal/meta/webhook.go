package meta

// WebhookEvent is the envelope the platform POSTs to the webhook endpoint.
// One delivery can batch changes for multiple pages and multiple posts.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one page.
type Entry struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time"`
	Changes []Change `json:"changes"`
}

// Change is a single field-level notification inside an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries the feed change details. Message, From and CreatedTime
// are best-effort: the platform includes them for some change shapes and
// omits them for others, so consumers must tolerate their absence.
type ChangeValue struct {
	Item        string  `json:"item"`
	PostID      string  `json:"post_id"`
	Verb        string  `json:"verb"`
	Message     string  `json:"message,omitempty"`
	From        *Author `json:"from,omitempty"`
	CreatedTime int64   `json:"created_time,omitempty"`
	Published   int     `json:"published,omitempty"`
}

// Author identifies who created a post.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IsNewPost reports whether the change announces a newly added feed item
// naming a post. Edits and removals arrive on the same field with different
// verbs; changes without a post id have nothing to relay. Anything this
// admits that is not genuinely new collapses against the existing row
// downstream.
func (c Change) IsNewPost() bool {
	return c.Field == "feed" && c.Value.Verb == "add" && c.Value.PostID != ""
}
