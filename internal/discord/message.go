package discord

import (
	"strings"
	"time"
)

// embedColor is the brand blue used on every relayed embed.
const embedColor = 0x1877F2

// Message is the sink webhook payload.
type Message struct {
	Content         string           `json:"content"`
	Embeds          []Embed          `json:"embeds,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// Embed is one rich block attached to a message.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
}

// EmbedFooter is the small print under an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// EmbedImage references the image rendered inside an embed.
type EmbedImage struct {
	URL string `json:"url"`
}

// AllowedMentions pins which mentions the sink may expand. Parse must stay
// an empty list, never null, so post text can never ping @everyone.
type AllowedMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles,omitempty"`
}

// PostContent is the relayed post's displayable fields.
type PostContent struct {
	Message    string
	AuthorName string
	Permalink  string
	CreatedAt  time.Time
	ImageURL   string
}

// MessageOptions carries the operator-configured decorations.
type MessageOptions struct {
	Disclaimer    string
	MentionRoleID string
}

// BuildMessage assembles the sink payload: sanitized body, disclaimer, and
// role mention in the content, plus one embed linking back to the original
// post.
func BuildMessage(post PostContent, sanitized string, opts MessageOptions) Message {
	var content strings.Builder
	content.WriteString(sanitized)
	if opts.Disclaimer != "" {
		if content.Len() > 0 {
			content.WriteString("\n\n")
		}
		content.WriteString(opts.Disclaimer)
	}
	if opts.MentionRoleID != "" {
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString("<@&" + opts.MentionRoleID + ">")
	}

	title := "New page post"
	if post.AuthorName != "" {
		title = "New post from " + post.AuthorName
	}

	embed := Embed{
		Title:  title,
		URL:    post.Permalink,
		Color:  embedColor,
		Footer: &EmbedFooter{Text: "Relayed from Facebook"},
	}
	if !post.CreatedAt.IsZero() {
		embed.Timestamp = post.CreatedAt.UTC().Format(time.RFC3339)
	}
	if post.ImageURL != "" {
		embed.Image = &EmbedImage{URL: post.ImageURL}
	}

	allowed := &AllowedMentions{Parse: []string{}}
	if opts.MentionRoleID != "" {
		allowed.Roles = []string{opts.MentionRoleID}
	}

	return Message{
		Content:         content.String(),
		Embeds:          []Embed{embed},
		AllowedMentions: allowed,
	}
}
