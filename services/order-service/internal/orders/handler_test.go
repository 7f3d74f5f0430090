package orders

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/orderpipe/services/order-service/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(f fixture) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(f.svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	return mux
}

func TestCreateOrderEndpoint(t *testing.T) {
	f := newFixture(outbox.NewMemoryStore())
	mux := newTestMux(f)

	body := `{"customerId":"C1","productId":"P1","quantity":3,"price":"10.00"}`
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())

	var created createOrderResponse
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&created))
	assert.Equal(t, "8f8c2f4e-4b1d-4d8e-9d0b-1f0a3c2b7e11", created.OrderID)

	rw = httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/orders/"+created.OrderID, nil))
	require.Equal(t, http.StatusOK, rw.Code)

	var got orderResponse
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&got))
	assert.Equal(t, "30.00", got.TotalAmount)
	assert.Equal(t, StatusNew, got.Status)
}

func TestCreateOrderEndpointRejectsBadInput(t *testing.T) {
	f := newFixture(outbox.NewMemoryStore())
	mux := newTestMux(f)

	for _, body := range []string{
		`{"customerId":`,
		`{"customerId":"C1","productId":"P1","quantity":0,"price":10}`,
		`{"customerId":"C1","productId":"P1","quantity":1,"price":"abc"}`,
	} {
		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rw.Code, body)
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestGetUnknownOrder(t *testing.T) {
	mux := newTestMux(newFixture(outbox.NewMemoryStore()))
	for _, id := range []string{"not-a-uuid", "0b8a3c55-7d7e-4b8e-9f3e-3f1f8c0f2a10"} {
		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/orders/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rw.Code)
	}
}
