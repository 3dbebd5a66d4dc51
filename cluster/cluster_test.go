package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-slotreg/lease"
)

func TestProvideData(t *testing.T) {
	t.Run("should parse numeric values", func(t *testing.T) {
		// Arrange
		var sut = &ProvideData{Key: KeySessionLeaseSecs, Value: " 45 ", Version: 2}

		// Act
		n, ok := sut.Int()

		// Assert
		assert.True(t, ok)
		assert.Equal(t, 45, n)
	})

	t.Run("should report missing or malformed values", func(t *testing.T) {
		var cases = []*ProvideData{
			nil,
			{Key: KeySessionLeaseSecs},
			{Key: KeySessionLeaseSecs, Value: "forty", Version: 1},
		}

		for _, sut := range cases {
			_, ok := sut.Int()
			assert.False(t, ok)
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	var ctx = context.Background()

	t.Run("should post a body and decode the reply", func(t *testing.T) {
		// Arrange
		var received RenewRequest
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			WriteJSON(w, http.StatusOK, LeasesResponse{Service: received.Service})
		}))
		defer server.Close()

		// Act
		var out LeasesResponse
		err := PostJSON(ctx, server.URL, RenewRequest{
			Service:      lease.DataServerID,
			Node:         lease.Node{IP: "10.0.0.1", Port: 9620},
			DurationSecs: 30,
		}, &out)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", received.Node.IP)
		assert.Equal(t, 30, received.DurationSecs)
		assert.Equal(t, lease.DataServerID, out.Service)
	})

	t.Run("should surface misdirected writes", func(t *testing.T) {
		// Arrange
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusMisdirectedRequest, ErrorResponse{Error: "not leader", Leader: 3})
		}))
		defer server.Close()

		// Act
		err := PutJSON(ctx, server.URL, ProvideData{Key: "k"}, nil)

		// Assert
		assert.ErrorIs(t, err, ErrMisdirected)
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, uint64(3), statusErr.Body.Leader)
		assert.Contains(t, err.Error(), "not leader")
	})

	t.Run("should not treat other failures as misdirected", func(t *testing.T) {
		// Arrange
		var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusInternalServerError, errors.New("boom"))
		}))
		defer server.Close()

		// Act
		err := GetJSON(ctx, server.URL, &ProvideData{})

		// Assert
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMisdirected)
	})
}
