package splittererrors

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"ErrAlreadyExists":                  {&ErrAlreadyExists{}, http.StatusConflict},
		"ErrNotFound":                       {&ErrNotFound{}, http.StatusNotFound},
		"ErrInvalidArgument":                {&ErrInvalidArgument{}, http.StatusBadRequest},
		"ErrInvalidExperiment":              {&ErrInvalidExperiment{}, http.StatusUnprocessableEntity},
		"ErrStoreUnavailable":               {&ErrStoreUnavailable{}, http.StatusServiceUnavailable},
		"pkg.Error => ErrNotFound":          {errors.WithMessage(&ErrNotFound{}, "foo"), http.StatusNotFound},
		"pkg.Error => ErrStoreUnavailable":  {errors.Wrap(&ErrStoreUnavailable{}, "foo"), http.StatusServiceUnavailable},
		"pkg.Error => ErrInvalidExperiment": {errors.WithStack(&ErrInvalidExperiment{}), http.StatusUnprocessableEntity},
		"pkg.Error":                         {errors.New("foo"), http.StatusInternalServerError},
		"nil":                               {nil, http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatusFromError(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `resource "foo" of type "experiment" does not exist`, (&ErrNotFound{Type: "experiment", Value: "foo"}).Error())
	assert.Equal(t, `resource "foo" does not exist; bar`, (&ErrNotFound{Value: "foo", Message: "bar"}).Error())
	assert.Equal(t, `resource "foo" of type "experiment" already exists`, (&ErrAlreadyExists{Type: "experiment", Value: "foo"}).Error())
	assert.Equal(t, `experiment "foo" is invalid: no variants`, (&ErrInvalidExperiment{Name: "foo", Cause: errors.New("no variants")}).Error())
	assert.Equal(t, `redis unavailable during increment: timeout`, (&ErrStoreUnavailable{Store: "redis", Operation: "increment", Cause: errors.New("timeout")}).Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := errors.WithStack(&ErrStoreUnavailable{Store: "postgres", Operation: "append result", Cause: cause})
	assert.True(t, errors.Is(err, cause))

	assert.True(t, IsNotFound(errors.WithStack(&ErrNotFound{})))
	assert.False(t, IsNotFound(cause))
	assert.True(t, IsInvalidExperiment(errors.Wrap(&ErrInvalidExperiment{Name: "x"}, "loading")))
}
