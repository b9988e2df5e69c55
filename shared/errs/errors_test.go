package errs

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := WithCode(CodeTeamValidation, ErrValidation, "team too large")
	code, details := CodeOf(eris.Wrap(err, "join rejected"))
	assert.Equal(t, CodeTeamValidation, code)
	assert.Equal(t, "team too large", details)
	assert.True(t, errors.Is(err, ErrValidation))

	code, _ = CodeOf(eris.Wrap(ErrLockTimeout, "queue lock"))
	assert.Equal(t, CodeLock, code)

	code, _ = CodeOf(errors.New("boom"))
	assert.Equal(t, CodeInternal, code)
}
