package portal

import (
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// stateFields are the hidden fields a page must carry to accept a postback.
var stateFields = []string{FieldViewState, FieldViewStateGenerator, FieldEventValidation}

// State is the bag of hidden fields issued by the last response. It is
// replaced, never patched, after every postback.
type State map[string]string

// ExtractState reads the hidden state fields from a page by element id.
func ExtractState(doc *goquery.Document, pageURL string) (State, error) {
	state := make(State, len(stateFields))
	var missing []string
	for _, name := range stateFields {
		node := doc.Find("#" + name).First()
		value, ok := node.Attr("value")
		if !ok {
			missing = append(missing, name)
			continue
		}
		state[name] = value
	}
	if len(missing) > 0 {
		return nil, &StateExtractionError{URL: pageURL, Missing: missing}
	}
	return state, nil
}

// Option is one entry of a dropdown.
type Option struct {
	ID    string
	Label string
}

// ListOptions yields the options of the dropdown with the given element id.
// The sequence does no I/O and can be ranged over any number of times.
func ListOptions(doc *goquery.Document, selectID string) iter.Seq[Option] {
	return func(yield func(Option) bool) {
		doc.Find("#" + selectID + " option").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			label := strings.TrimSpace(s.Text())
			id, ok := s.Attr("value")
			if !ok {
				id = label
			}
			return yield(Option{ID: id, Label: label})
		})
	}
}

// Page is a parsed response together with the state it issued.
type Page struct {
	URL   string
	Doc   *goquery.Document
	State State
}

// Options lists the dropdown options rendered on the page.
func (p *Page) Options(selectID string) iter.Seq[Option] {
	return ListOptions(p.Doc, selectID)
}
