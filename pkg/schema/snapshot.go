package schema

// Element is one actionable node of the page's interactive surface.
// Refs are only stable within the snapshot that produced them.
type Element struct {
	Ref      string `json:"ref"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Text     string `json:"text,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Active   bool   `json:"active,omitempty"`
	URL      string `json:"url,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

// Snapshot is a point-in-time view of the page.
type Snapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Elements []Element `json:"elements"`
}

// FindByRef returns the element with the given ref.
func (s *Snapshot) FindByRef(ref string) (Element, bool) {
	for _, el := range s.Elements {
		if el.Ref == ref {
			return el, true
		}
	}
	return Element{}, false
}
