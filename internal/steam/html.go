package steam

import (
	"strings"

	"golang.org/x/net/html"
)

func findByID(n *html.Node, id string) *html.Node {
	return findNode(n, func(node *html.Node) bool {
		return node.Type == html.ElementNode && attrVal(node, "id") == id
	})
}

func findElement(n *html.Node, tag string, pred func(*html.Node) bool) *html.Node {
	return findNode(n, func(node *html.Node) bool {
		if node.Type != html.ElementNode || node.Data != tag {
			return false
		}
		return pred == nil || pred(node)
	})
}

func findNode(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if pred(n) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findNode(child, pred); found != nil {
			return found
		}
	}
	return nil
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText returns the concatenated text content of a node.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func documentTitle(doc *html.Node) string {
	title := findElement(doc, "title", nil)
	if title == nil {
		return ""
	}
	return nodeText(title)
}
