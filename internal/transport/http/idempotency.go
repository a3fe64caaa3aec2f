package http

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opencommerce/credits-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. The first request with a new key wins a unique-constraint
// insert of a pending record, executes, and persists status+body; a duplicate
// either replays the committed response or is told the original is still in
// flight. Storage failures on the dedup table degrade to pass-through — the
// ledger operations carry their own (wallet, key) idempotency regardless.
func IdempotencyMiddleware(db *gorm.DB, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}

		var prior model.IdempotencyRecord
		err := db.WithContext(c).Where("key = ?", key).First(&prior).Error
		switch {
		case err == nil:
			replay(c, prior)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			log.Warnf("idempotency lookup key=%s: %v", key, err)
			c.Next()
			return
		}

		rec := model.IdempotencyRecord{
			Key:    key,
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
		}
		if err := db.WithContext(c).Create(&rec).Error; err != nil {
			// Lost the insert race, or the table is unavailable.
			var winner model.IdempotencyRecord
			if lookupErr := db.WithContext(c).Where("key = ?", key).First(&winner).Error; lookupErr == nil {
				replay(c, winner)
				return
			}
			log.Warnf("idempotency insert key=%s: %v", key, err)
			c.Next()
			return
		}

		w := &bodyRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			// A failed operation must not be replayed as its failure; drop the
			// marker so a retry re-executes.
			if err := db.WithContext(c).Delete(&rec).Error; err != nil {
				log.Warnf("idempotency cleanup key=%s: %v", key, err)
			}
			return
		}
		if err := db.WithContext(c).Model(&rec).
			Updates(map[string]interface{}{"status": status, "response": w.body.String()}).Error; err != nil {
			log.Warnf("idempotency persist key=%s: %v", key, err)
		}
	}
}

func replay(c *gin.Context, rec model.IdempotencyRecord) {
	if rec.Status == 0 {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
		return
	}
	c.Data(rec.Status, "application/json", []byte(rec.Response))
	c.Abort()
}

type bodyRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
