package chainiface

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestVerifyErrorWrapsAndUnwraps(t *testing.T) {
	base := errors.New("bad proof of work")
	verr := &VerifyError{Code: wire.RejectInvalid, Reason: "block rejected", Score: 100, Wrapped: base}

	require.ErrorIs(t, verr, base)
	require.Contains(t, verr.Error(), "block rejected")
	require.Contains(t, verr.Error(), "bad proof of work")
}
