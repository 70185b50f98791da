package model

// Item is a single feed entry as seen in one fetch. It is not kept between checks;
// only ID outlives the fetch, as the stored cursor.
type Item struct {
	ID          string
	Title       string
	PublishedAt string // as supplied by the feed, possibly reformatted
	Link        string
	Body        string // raw markup, may be empty
	ImageURL    string
	Categories  []string
}

// Payload is a rendered notification ready for the transport.
type Payload struct {
	Text     string
	ImageURL string
}

func (p Payload) HasImage() bool {
	return p.ImageURL != ""
}
