package defense

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// SanitizeReport summarizes what the sanitizer stripped from a document.
type SanitizeReport struct {
	TargetsStripped   int
	DownloadsStripped int
	HrefsStripped     int
	ActionsStripped   int
}

func (r SanitizeReport) Changed() bool {
	return r.TargetsStripped+r.DownloadsStripped+r.HrefsStripped+r.ActionsStripped > 0
}

// Sanitizer strips the attributes injected markup uses to escape the page:
// new-window targets, forced downloads, and links into blocked destinations.
// Everything else in the document is left untouched.
type Sanitizer struct {
	patterns *PatternTable
}

func NewSanitizer(patterns *PatternTable) *Sanitizer {
	return &Sanitizer{patterns: patterns}
}

// Sanitize parses an HTML fragment or document, removes dangerous anchor and
// form attributes, and re-renders it.
func (s *Sanitizer) Sanitize(r io.Reader) (string, SanitizeReport, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", SanitizeReport{}, err
	}

	var report SanitizeReport
	s.walk(doc, &report)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", report, err
	}
	return buf.String(), report, nil
}

func (s *Sanitizer) walk(n *html.Node, report *SanitizeReport) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "a", "area":
			s.cleanAnchor(n, report)
		case "form":
			s.cleanForm(n, report)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c, report)
	}
}

func (s *Sanitizer) cleanAnchor(n *html.Node, report *SanitizeReport) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "target":
			val := strings.ToLower(attr.Val)
			if val == "_blank" || val == "_new" {
				report.TargetsStripped++
				continue
			}
		case "download":
			report.DownloadsStripped++
			continue
		case "href":
			if s.patterns.IsSuspiciousHref(attr.Val) {
				report.HrefsStripped++
				continue
			}
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

func (s *Sanitizer) cleanForm(n *html.Node, report *SanitizeReport) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "target":
			val := strings.ToLower(attr.Val)
			if val == "_blank" || val == "_new" {
				report.TargetsStripped++
				continue
			}
		case "action":
			if s.patterns.IsSuspiciousHref(attr.Val) {
				report.ActionsStripped++
				continue
			}
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}
