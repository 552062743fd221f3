package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	knowledge "github.com/swiftreplies/wabroker/knowledge/domain"
	"github.com/swiftreplies/wabroker/pkg/apperr"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

const shopifyUpsertTimeout = 30 * time.Second

// Shopify receives product catalog webhooks and mirrors them into the
// knowledge base. The webhook URL carries tenant_id and chatbot_id so one
// deployment can serve many shops.
type Shopify struct {
	Secret    string
	Knowledge knowledge.IKnowledgeRepository
}

func InitRestShopify(app fiber.Router, secret string, repo knowledge.IKnowledgeRepository) Shopify {
	handler := Shopify{Secret: secret, Knowledge: repo}
	app.Post("/webhook/shopify", handler.Receive)
	return handler
}

func (h *Shopify) Receive(c *fiber.Ctx) error {
	body := c.Body()
	signature := c.Get("X-Shopify-Hmac-Sha256")
	if !h.verifySignature(body, signature) {
		logrus.Warn("[SHOPIFY] Signature verification failed")
		panic(apperr.AuthError("invalid webhook signature"))
	}

	topic := c.Get("X-Shopify-Topic")
	tenantID := tenants.TenantID(c.QueryInt("tenant_id"))
	chatbotID := tenants.ChatbotID(c.QueryInt("chatbot_id"))
	if tenantID == 0 || chatbotID == 0 {
		panic(apperr.ValidationError("tenant_id and chatbot_id query parameters are required"))
	}

	var product knowledge.ShopifyProduct
	if err := json.Unmarshal(body, &product); err != nil {
		panic(apperr.WebhookError("unparseable product payload"))
	}

	// The catalog sync must not hold the webhook response open.
	go h.apply(topic, tenantID, chatbotID, product)

	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Shopify) verifySignature(body []byte, signature string) bool {
	if h.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Shopify) apply(topic string, tenantID tenants.TenantID, chatbotID tenants.ChatbotID, product knowledge.ShopifyProduct) {
	ctx, cancel := context.WithTimeout(context.Background(), shopifyUpsertTimeout)
	defer cancel()

	switch topic {
	case "products/create", "products/update":
		entries := knowledge.EntriesFromProduct(tenantID, chatbotID, product)
		for i := range entries {
			if err := h.Knowledge.Upsert(ctx, &entries[i]); err != nil {
				logrus.WithError(err).Warnf("[SHOPIFY] Upsert failed for %q", entries[i].Question)
			}
		}
		logrus.Infof("[SHOPIFY] Synced %d entries for product %d (%s)", len(entries), product.ID, topic)
	case "products/delete":
		category := knowledge.CategoryForProduct(product)
		if err := h.Knowledge.DeactivateCategory(ctx, chatbotID, category); err != nil {
			logrus.WithError(err).Warnf("[SHOPIFY] Deactivate failed for category %q", category)
			return
		}
		logrus.Infof("[SHOPIFY] Deactivated category %q", category)
	default:
		logrus.Debugf("[SHOPIFY] Ignoring topic %q", topic)
	}
}
