package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlgorithmAutomaticAndHostTransferValidate(t *testing.T) {
	assert.NoError(t, AllreduceAutomatic.validate())
	assert.NoError(t, AllreduceHostTransfer.validate())
	assert.Equal(t, "automatic", AllreduceAutomatic.String())
	assert.Equal(t, "host-transfer", AllreduceHostTransfer.String())
}

func TestAlgorithmUnrecognizedValueFailsExplicitly(t *testing.T) {
	bad := AllreduceAlgorithm(99)
	assert.Error(t, bad.validate())
}
