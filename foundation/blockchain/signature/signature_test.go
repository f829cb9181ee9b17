package signature_test

import (
	"math/big"
	"testing"

	"github.com/ardanlabs/txrelay/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	from     = "0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// =============================================================================

func Test_Signing(t *testing.T) {
	value := struct {
		Name string
	}{
		Name: "Bill",
	}

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to generate a private key: %s", err)
	}

	v, r, s, err := signature.Sign(value, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	if err := signature.VerifySignature(v, r, s); err != nil {
		t.Fatalf("Should be able to verify the signature: %s", err)
	}

	addr, err := signature.FromAddress(value, v, r, s)
	if err != nil {
		t.Fatalf("Should be able to generate from address: %s", err)
	}

	if from != addr {
		t.Logf("got: %s", addr)
		t.Logf("exp: %s", from)
		t.Fatalf("Should get back the right address.")
	}

	str := signature.SignatureString(v, r, s)
	v2, r2, s2, err := signature.ToVRSFromHexSignature(str)
	if err != nil {
		t.Fatalf("Should be able to parse the signature string: %s", err)
	}

	addr, err = signature.FromAddress(value, v2, r2, s2)
	if err != nil {
		t.Fatalf("Should be able to generate from address with parsed signature: %s", err)
	}

	if from != addr {
		t.Logf("got: %s", addr)
		t.Logf("exp: %s", from)
		t.Fatalf("Should get back the right address from the signature string.")
	}
}

func Test_Hash(t *testing.T) {
	value := struct {
		Name string
	}{
		Name: "Bill",
	}
	hash := "0x0f6887ac85101d6d6425a617edf35bd721b5f619fb92c36c3d2224e3bdb0ee5a"

	h := signature.Hash(value)
	if h != hash {
		t.Logf("got: %s", h)
		t.Logf("exp: %s", hash)
		t.Fatalf("Should get back the right hash: %s", h[:6])
	}

	h = signature.Hash(value)
	if h != hash {
		t.Logf("got: %s", h)
		t.Logf("exp: %s", hash)
		t.Fatalf("Should get back the same hash twice.")
	}
}

func Test_RawTx(t *testing.T) {
	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to generate a private key: %s", err)
	}

	to := common.HexToAddress("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")

	type table struct {
		name string
		tx   types.TxData
	}

	tt := []table{
		{
			name: "legacy",
			tx: &types.LegacyTx{
				Nonce:    7,
				To:       &to,
				Value:    big.NewInt(1_000),
				Gas:      21_000,
				GasPrice: big.NewInt(15),
			},
		},
		{
			name: "dynamic",
			tx: &types.DynamicFeeTx{
				ChainID:   big.NewInt(1),
				Nonce:     8,
				To:        &to,
				Value:     big.NewInt(2_000),
				Gas:       21_000,
				GasFeeCap: big.NewInt(20),
				GasTipCap: big.NewInt(2),
				Data:      []byte("memo"),
			},
		},
	}

	t.Log("Given the need to decode signed raw transactions.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling a %s transaction.", testID, tst.name)
				{
					signed, err := types.SignNewTx(pk, types.LatestSignerForChainID(big.NewInt(1)), tst.tx)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to sign the transaction: %v", failed, testID, err)
					}

					raw, err := signed.MarshalBinary()
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to marshal the transaction: %v", failed, testID, err)
					}

					rtx, err := signature.DecodeRawTx(hexutil.Encode(raw))
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to decode the transaction: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to decode the transaction.", success, testID)

					if rtx.From != from {
						t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, rtx.From)
						t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, from)
						t.Fatalf("\t%s\tTest %d:\tShould recover the sender.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould recover the sender.", success, testID)

					if rtx.Hash != signed.Hash().Hex() {
						t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, rtx.Hash)
						t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, signed.Hash().Hex())
						t.Fatalf("\t%s\tTest %d:\tShould carry the ethereum hash.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould carry the ethereum hash.", success, testID)

					if rtx.Nonce != signed.Nonce() || rtx.To != to.Hex() {
						t.Fatalf("\t%s\tTest %d:\tShould map the nonce and recipient.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould map the nonce and recipient.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_RawTxInvalid(t *testing.T) {
	t.Log("Given the need to reject malformed raw transactions.")
	{
		if _, err := signature.DecodeRawTx("0xzz"); err == nil {
			t.Fatalf("\t%s\tShould reject bad hex.", failed)
		}
		t.Logf("\t%s\tShould reject bad hex.", success)

		if _, err := signature.DecodeRawTx("0x01020304"); err == nil {
			t.Fatalf("\t%s\tShould reject bytes that are not a transaction.", failed)
		}
		t.Logf("\t%s\tShould reject bytes that are not a transaction.", success)
	}
}
