package crm

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"sitecraft/api/internal/store"
)

// Render replaces {first_name}, {last_name}, {email} and {company} with the
// contact's values. An empty first name renders as "there".
func Render(template string, contact store.Contact, escape bool) string {
	firstName := strings.TrimSpace(contact.FirstName)
	if firstName == "" {
		firstName = "there"
	}
	values := []string{
		"{first_name}", firstName,
		"{last_name}", strings.TrimSpace(contact.LastName),
		"{email}", contact.Email,
		"{company}", strings.TrimSpace(contact.Company),
	}
	if escape {
		for i := 1; i < len(values); i += 2 {
			values[i] = html.EscapeString(values[i])
		}
	}
	return strings.NewReplacer(values...).Replace(template)
}

// Tracker builds the public tracking URLs for a message. Click URLs carry a
// signature over the message id and target so the redirect endpoint only
// follows links it issued.
type Tracker struct {
	BaseURL string
	Secret  []byte
}

func (t Tracker) OpenURL(messageID string) string {
	return fmt.Sprintf("%s/t/o/%s", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(messageID))
}

func (t Tracker) ClickURL(messageID, target string) string {
	return fmt.Sprintf("%s/t/c/%s?u=%s&s=%s", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(messageID), url.QueryEscape(target), t.Sign(messageID, target))
}

// Sign returns the click signature for a message and target.
func (t Tracker) Sign(messageID, target string) string {
	mac := hmac.New(sha256.New, t.Secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}

// Verify reports whether signature was issued for this message and target.
func (t Tracker) Verify(messageID, target, signature string) bool {
	if len(t.Secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(t.Sign(messageID, target)), []byte(signature))
}

func (t Tracker) UnsubscribeURL(messageID string) string {
	return fmt.Sprintf("%s/t/u/%s", strings.TrimRight(t.BaseURL, "/"), url.PathEscape(messageID))
}

// Instrument rewrites http(s) links through the click endpoint and appends the
// open pixel. The body is treated as an HTML fragment.
func (t Tracker) Instrument(body, messageID string) (string, error) {
	parent := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), parent)
	if err != nil {
		return "", fmt.Errorf("parse campaign body: %w", err)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for i, attr := range n.Attr {
				if attr.Key == "href" && isTrackable(attr.Val) {
					n.Attr[i].Val = t.ClickURL(messageID, strings.TrimSpace(attr.Val))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	var out bytes.Buffer
	for _, node := range nodes {
		walk(node)
		if err := html.Render(&out, node); err != nil {
			return "", fmt.Errorf("render campaign body: %w", err)
		}
	}
	fmt.Fprintf(&out, `<img src="%s" width="1" height="1" alt="" style="display:none">`, html.EscapeString(t.OpenURL(messageID)))
	return out.String(), nil
}

func isTrackable(target string) bool {
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// ValidRedirect reports whether a click target may be redirected to.
func ValidRedirect(target string) bool {
	return isTrackable(target)
}
