package engine

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidTxid(t *testing.T) {
	assert.True(t, validTxid(testTxid))
	assert.False(t, validTxid(""))
	assert.False(t, validTxid("4a5e1e4b"))
	assert.False(t, validTxid(testTxid+"00"))
	assert.False(t, validTxid("zz5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"))
}

func TestValidInvoiceFormat(t *testing.T) {
	assert.True(t, validInvoiceFormat("lnbc100u1p..."))
	assert.True(t, validInvoiceFormat("LNTB100U1P..."))
	assert.True(t, validInvoiceFormat("lnbcrt100u1p..."))
	assert.False(t, validInvoiceFormat("bc1qsomething"))
	assert.False(t, validInvoiceFormat(""))
}

func TestValidAddress(t *testing.T) {
	assert.True(t, validAddress(tierAddr10k, "testnet"))
	assert.True(t, validAddress(sellerAddr, "testnet"))
	assert.True(t, validAddress("2N3oefeng6hbkPWdDGvGkyEJPj3pNq1GHmQ", "testnet"))
	assert.False(t, validAddress(tierAddr10k, "mainnet"))
	assert.True(t, validAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "mainnet"))
	assert.True(t, validAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "mainnet"))
	assert.False(t, validAddress("tb1q", "testnet"))
	assert.False(t, validAddress("", "testnet"))
}

func TestIsValidation(t *testing.T) {
	err := Validationf("bad input %d", 7)
	assert.True(t, IsValidation(err))
	assert.Equal(t, "bad input 7", err.Error())

	wrapped := errors.Wrap(err, "outer")
	assert.True(t, IsValidation(wrapped))

	assert.False(t, IsValidation(errors.New("infrastructure broke")))
	assert.False(t, IsValidation(nil))
}
