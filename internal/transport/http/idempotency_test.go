package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/opencommerce/credits-service/internal/logger"
	"github.com/opencommerce/credits-service/internal/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newGuardedRouter(t *testing.T, migrate bool) (*gin.Engine, *int32) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	if migrate {
		assert.NoError(t, db.AutoMigrate(&model.IdempotencyRecord{}))
	}
	log, _ := logger.NewLogger()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	var calls int32
	r.POST("/credit", IdempotencyMiddleware(db, log), func(c *gin.Context) {
		n := atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusOK, gin.H{"call": n})
	})
	r.POST("/boom", IdempotencyMiddleware(db, log), func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage down"})
	})
	return r, &calls
}

func post(r *gin.Engine, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysFirstResponse(t *testing.T) {
	r, calls := newGuardedRouter(t, true)

	w1 := post(r, "/credit", "k1")
	assert.Equal(t, http.StatusOK, w1.Code)
	w2 := post(r, "/credit", "k1")
	assert.Equal(t, http.StatusOK, w2.Code)

	// the operation ran once and the byte-for-byte response came back
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, w1.Body.String(), w2.Body.String())

	// a different key executes again
	post(r, "/credit", "k2")
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	r, calls := newGuardedRouter(t, true)
	post(r, "/credit", "")
	post(r, "/credit", "")
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_FailureIsNotReplayed(t *testing.T) {
	r, calls := newGuardedRouter(t, true)

	w := post(r, "/boom", "k1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// the failed attempt left no success record; the retry executes again
	w = post(r, "/boom", "k1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestIdempotency_InFlightKeyConflicts(t *testing.T) {
	r, calls := newGuardedRouter(t, true)

	// simulate a concurrent first request by planting a pending record
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.Create(&model.IdempotencyRecord{Key: "pending", Method: "POST", Path: "/credit"}).Error)

	w := post(r, "/credit", "pending")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestIdempotency_MissingTableDegradesToPassThrough(t *testing.T) {
	r, calls := newGuardedRouter(t, false)

	w1 := post(r, "/credit", "k1")
	assert.Equal(t, http.StatusOK, w1.Code)
	w2 := post(r, "/credit", "k1")
	assert.Equal(t, http.StatusOK, w2.Code)

	// without the dedup table the guard steps aside rather than failing
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
