package export

import (
	"bytes"
	"html"
	"html/template"
	"strings"

	"loom/collab/internal/crdt"
)

// markTags maps formatting mark names to the HTML elements that carry them.
// Unknown marks are dropped rather than rendered as raw text.
var markTags = map[string]string{
	"bold":      "strong",
	"italic":    "em",
	"underline": "u",
	"strike":    "s",
	"code":      "code",
}

// SpansToHTML renders formatted runs as paragraph-structured HTML. Newlines
// split paragraphs; a mark spanning a newline is re-opened in the next
// paragraph.
func SpansToHTML(spans []crdt.Span) string {
	var b strings.Builder
	open := false
	openPara := func() {
		if !open {
			b.WriteString("<p>")
			open = true
		}
	}
	closePara := func() {
		if open {
			b.WriteString("</p>\n")
			open = false
		}
	}

	for _, span := range spans {
		for _, line := range strings.SplitAfter(span.Text, "\n") {
			text := strings.TrimSuffix(line, "\n")
			if text != "" {
				openPara()
				b.WriteString(wrapMarks(html.EscapeString(text), span.Marks))
			}
			if strings.HasSuffix(line, "\n") {
				openPara()
				closePara()
			}
		}
	}
	closePara()
	return b.String()
}

func wrapMarks(text string, marks []string) string {
	// Apply in reverse so the first mark becomes the outermost element.
	for i := len(marks) - 1; i >= 0; i-- {
		tag, ok := markTags[marks[i]]
		if !ok {
			continue
		}
		text = "<" + tag + ">" + text + "</" + tag + ">"
	}
	return text
}

type pageData struct {
	Title       string
	ContentHTML template.HTML
}

var pageTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    code { background: #f5f5f5; padding: 0 0.25em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div>{{.ContentHTML}}</div>
</body>
</html>`))

func renderPage(title string, spans []crdt.Span) (string, error) {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, pageData{
		Title:       title,
		ContentHTML: template.HTML(SpansToHTML(spans)),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
