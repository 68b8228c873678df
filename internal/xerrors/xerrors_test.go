package xerrors_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[xerrors.Kind]int{
		xerrors.KindInvalidRequest:    http.StatusBadRequest,
		xerrors.KindUnauthorized:      http.StatusUnauthorized,
		xerrors.KindRateLimited:       http.StatusTooManyRequests,
		xerrors.KindAllVariantsFailed: http.StatusBadGateway,
		xerrors.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		err := xerrors.New(kind, "boom")
		assert.Equal(t, want, xerrors.HTTPStatus(err))
	}
}

func TestIsKind(t *testing.T) {
	err := xerrors.Wrap(xerrors.KindInferenceServer, fmt.Errorf("upstream 500"), "bad gateway")
	assert.True(t, xerrors.IsKind(err, xerrors.KindInferenceServer))
	assert.False(t, xerrors.IsKind(err, xerrors.KindInvalidRequest))
}

func TestCompositeListsEveryAttempt(t *testing.T) {
	c := xerrors.NewComposite(xerrors.KindAllVariantsFailed)
	c.Add("baseline", "openai", "401 unauthorized")
	c.Add("baseline", "azure", "timeout")

	err := c.AsError()
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "azure")
	assert.Equal(t, http.StatusBadGateway, xerrors.HTTPStatus(err))
}

func TestCompositeEmpty(t *testing.T) {
	c := xerrors.NewComposite(xerrors.KindAllVariantsFailed)
	assert.True(t, c.Empty())
}
