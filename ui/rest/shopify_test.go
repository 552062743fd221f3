package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	knowledgeRepo "github.com/swiftreplies/wabroker/knowledge/repository"
	"github.com/swiftreplies/wabroker/ui/rest/middleware"
)

const shopifyTestSecret = "shhh"

func newShopifyEnv(t *testing.T) (*fiber.App, *knowledgeRepo.KnowledgeGormRepository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := knowledgeRepo.NewKnowledgeGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))

	app := fiber.New()
	app.Use(middleware.Recovery())
	InitRestShopify(app, shopifyTestSecret, repo)
	return app, repo
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(shopifyTestSecret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postShopify(t *testing.T, app *fiber.App, topic, body, signature string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/shopify?tenant_id=1&chatbot_id=10", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Topic", topic)
	req.Header.Set("X-Shopify-Hmac-Sha256", signature)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

const productPayload = `{
	"id": 42,
	"title": "Cedar Honey",
	"handle": "cedar-honey",
	"body_html": "<p>Raw honey from the <b>Chouf</b> mountains.</p>",
	"status": "active",
	"variants": [{"title": "500g", "price": "18.00", "inventory_quantity": 3}]
}`

func waitForEntries(t *testing.T, repo *knowledgeRepo.KnowledgeGormRepository, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := repo.ListActive(context.Background(), 10)
		require.NoError(t, err)
		if len(entries) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d active entries", want)
}

func TestShopifyProductCreateBuildsKnowledge(t *testing.T) {
	app, repo := newShopifyEnv(t)

	status := postShopify(t, app, "products/create", productPayload, sign(productPayload))
	require.Equal(t, 200, status)

	waitForEntries(t, repo, 2)
	entries, err := repo.ListActive(context.Background(), 10)
	require.NoError(t, err)
	questions := []string{entries[0].Question, entries[1].Question}
	assert.Contains(t, questions, "What is Cedar Honey?")
	assert.Contains(t, questions, "How much does Cedar Honey cost?")
	for _, e := range entries {
		assert.Equal(t, "cedar-honey", e.Category)
		assert.NotContains(t, e.Answer, "<p>")
	}
}

func TestShopifyProductDeleteDeactivates(t *testing.T) {
	app, repo := newShopifyEnv(t)

	require.Equal(t, 200, postShopify(t, app, "products/create", productPayload, sign(productPayload)))
	waitForEntries(t, repo, 2)

	deletePayload := `{"id": 42, "handle": "cedar-honey"}`
	require.Equal(t, 200, postShopify(t, app, "products/delete", deletePayload, sign(deletePayload)))
	waitForEntries(t, repo, 0)
}

func TestShopifyRejectsBadSignature(t *testing.T) {
	app, repo := newShopifyEnv(t)

	status := postShopify(t, app, "products/create", productPayload, "not-the-signature")
	assert.Equal(t, 401, status)

	entries, err := repo.ListActive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShopifyRejectsMissingSignature(t *testing.T) {
	app, _ := newShopifyEnv(t)
	assert.Equal(t, 401, postShopify(t, app, "products/create", productPayload, ""))
}
