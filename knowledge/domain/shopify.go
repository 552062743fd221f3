package domain

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// ShopifyProduct mirrors the fields we consume from the product webhook
// payload.
type ShopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Handle      string           `json:"handle"`
	BodyHTML    string           `json:"body_html"`
	ProductType string           `json:"product_type"`
	Status      string           `json:"status"`
	Variants    []ShopifyVariant `json:"variants"`
}

type ShopifyVariant struct {
	Title             string `json:"title"`
	Price             string `json:"price"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

// CategoryForProduct is the grouping key shared by create, update and delete
// events for one product.
func CategoryForProduct(p ShopifyProduct) string {
	if p.Handle != "" {
		return p.Handle
	}
	return fmt.Sprintf("product-%d", p.ID)
}

// EntriesFromProduct turns one product payload into the Q/A rows the agent
// can answer from. The category is the product handle so later updates and
// deletes replace the whole group.
func EntriesFromProduct(tenantID tenants.TenantID, chatbotID tenants.ChatbotID, p ShopifyProduct) []KnowledgeEntry {
	category := CategoryForProduct(p)

	entries := []KnowledgeEntry{
		{
			TenantID:  tenantID,
			ChatbotID: chatbotID,
			Category:  category,
			Question:  fmt.Sprintf("What is %s?", p.Title),
			Answer:    stripHTML(p.BodyHTML),
			IsActive:  p.Status == "" || p.Status == "active",
		},
	}

	if len(p.Variants) > 0 {
		var b strings.Builder
		for i, v := range p.Variants {
			if i > 0 {
				b.WriteString("; ")
			}
			if v.Title != "" && v.Title != "Default Title" {
				fmt.Fprintf(&b, "%s: %s", v.Title, v.Price)
			} else {
				b.WriteString(v.Price)
			}
			if v.InventoryQuantity == 0 {
				b.WriteString(" (out of stock)")
			}
		}
		entries = append(entries, KnowledgeEntry{
			TenantID:  tenantID,
			ChatbotID: chatbotID,
			Category:  category,
			Question:  fmt.Sprintf("How much does %s cost?", p.Title),
			Answer:    b.String(),
			IsActive:  p.Status == "" || p.Status == "active",
		})
	}
	return entries
}

// stripHTML reduces Shopify's body_html to readable plain text.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	text := doc.Text()
	return strings.Join(strings.Fields(text), " ")
}
