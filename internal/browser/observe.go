package browser

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// IndexAttribute marks interactive elements so actions can address them by
// index after an observation.
const IndexAttribute = "data-verifier-idx"

const (
	maxElementText    = 80
	maxVisibleText    = 4000
	defaultMaxElement = 150
)

var elementAttributes = []string{"type", "name", "placeholder", "aria-label", "href", "value", "role", "title"}

// markElementsScript stamps IndexAttribute on every visible interactive
// element and returns how many were marked.
const markElementsScript = `() => {
	const selector = 'a, button, input, select, textarea, summary, [role="button"], [role="link"], [role="checkbox"], [role="tab"], [onclick], [contenteditable="true"]';
	document.querySelectorAll('[` + IndexAttribute + `]').forEach((el) => el.removeAttribute('` + IndexAttribute + `'));
	let idx = 0;
	document.querySelectorAll(selector).forEach((el) => {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		if (rect.width === 0 || rect.height === 0 || style.visibility === 'hidden' || style.display === 'none') {
			return;
		}
		el.setAttribute('` + IndexAttribute + `', String(idx));
		idx += 1;
	});
	return idx;
}`

type Element struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Observation is what the agent sees of the page before choosing an action.
type Observation struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Elements   []Element `json:"elements"`
	Text       string    `json:"text"`
	Screenshot string    `json:"-"`
	Console    []string  `json:"console,omitempty"`
	Network    []string  `json:"network,omitempty"`
}

// ExtractElements parses marked page HTML into indexed elements and the
// page's visible text.
func ExtractElements(html string, limit int) ([]Element, string, error) {
	if limit <= 0 {
		limit = defaultMaxElement
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", err
	}

	elements := []Element{}
	doc.Find("[" + IndexAttribute + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(elements) >= limit {
			return false
		}
		raw, _ := s.Attr(IndexAttribute)
		index, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return true
		}
		element := Element{
			Index: index,
			Tag:   goquery.NodeName(s),
			Text:  truncate(collapseSpace(s.Text()), maxElementText),
		}
		for _, name := range elementAttributes {
			if value, ok := s.Attr(name); ok && strings.TrimSpace(value) != "" {
				if element.Attributes == nil {
					element.Attributes = map[string]string{}
				}
				element.Attributes[name] = truncate(collapseSpace(value), maxElementText)
			}
		}
		elements = append(elements, element)
		return true
	})

	doc.Find("script, style, noscript, template").Remove()
	text := truncate(collapseSpace(doc.Find("body").Text()), maxVisibleText)
	return elements, text, nil
}

func collapseSpace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "…"
}
