package tracker

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var productPath = regexp.MustCompile(`(?i)/(products?|p|item|items|shop|store|produit|produits)/[^/]+`)

// LooksLikeProductPage reports whether path follows a common product URL shape.
func LooksLikeProductPage(path string) bool {
	return productPath.MatchString(path)
}

var titleSelectors = []string{
	"h1.product-title",
	"h1.product_title",
	".product__title h1",
	".product-single__title",
	`[itemprop="name"]`,
	"h1",
}

var cartIDSelectors = []string{
	`form[action*="/cart/add"] input[name="id"]`,
	`form[action*="cart"] input[name="product_id"]`,
	`input[name="add-to-cart"]`,
	`button[name="add-to-cart"]`,
}

// ExtractProduct reads product identity from page markup. Sources in order:
// JSON-LD Product data, Open Graph product tags, a visible product title and
// the cart-add form's product id. Later sources only fill what is missing.
func ExtractProduct(r io.Reader) (Product, bool) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Product{}, false
	}

	p := productFromJSONLD(doc)

	if p.Name == "" && doc.Find(`meta[property="og:type"]`).AttrOr("content", "") == "product" {
		p.Name = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if p.ID == "" {
		p.ID = strings.TrimSpace(doc.Find(`meta[property="product:retailer_item_id"]`).AttrOr("content", ""))
	}

	if p.Name == "" {
		for _, sel := range titleSelectors {
			if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
				p.Name = text
				break
			}
		}
	}

	if p.ID == "" {
		for _, sel := range cartIDSelectors {
			if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("value", "")); v != "" {
				p.ID = v
				break
			}
		}
	}

	return p, !p.empty()
}

func productFromJSONLD(doc *goquery.Document) Product {
	var found Product
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(s.Text()), &raw); err != nil {
			return true
		}
		if p, ok := findProduct(raw); ok {
			found = p
			return false
		}
		return true
	})
	return found
}

// findProduct walks a JSON-LD value (object, array or @graph) for the first
// node typed Product.
func findProduct(v any) (Product, bool) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			if p, ok := findProduct(item); ok {
				return p, true
			}
		}
	case map[string]any:
		if isProductType(node["@type"]) {
			p := Product{Name: stringField(node, "name"), ID: stringField(node, "sku")}
			if p.ID == "" {
				p.ID = stringField(node, "productID")
			}
			return p, !p.empty()
		}
		if graph, ok := node["@graph"]; ok {
			return findProduct(graph)
		}
	}
	return Product{}, false
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product"
	case []any:
		for _, item := range v {
			if s, _ := item.(string); s == "Product" {
				return true
			}
		}
	}
	return false
}
