package neartx

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
)

// conformanceBuf builds expected wire bytes by hand, independent of the
// serialization library: u32/u64 little-endian, length-prefixed strings and
// vectors, raw fixed arrays, u8 enum discriminants, 16-byte u128.
type conformanceBuf struct {
	bytes.Buffer
}

func (b *conformanceBuf) u8(v uint8) { b.WriteByte(v) }

func (b *conformanceBuf) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func (b *conformanceBuf) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func (b *conformanceBuf) u128(low uint64) {
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[:8], low)
	b.Write(tmp[:])
}

func (b *conformanceBuf) str(s string) {
	b.u32(uint32(len(s)))
	b.WriteString(s)
}

func (b *conformanceBuf) vec(p []byte) {
	b.u32(uint32(len(p)))
	b.Write(p)
}

func TestTransactionWireFormat(t *testing.T) {
	c := qt.New(t)

	kp, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)

	var blockHash [32]byte
	for i := range blockHash {
		blockHash[i] = byte(i + 1)
	}
	args := []byte(`{"receiver_id":"alice.testnet","amount":"100","memo":"t"}`)

	tx := NewTransaction(
		"gateway.testnet",
		kp.WirePublicKey(),
		43,
		"token.testnet",
		blockHash,
		[]Action{NewFunctionCall("ft_transfer", args, 30*TGas, OneYocto)},
	)

	var want conformanceBuf
	want.str("gateway.testnet")
	want.u8(KeyTypeED25519)
	want.Write(kp.PublicKey)
	want.u64(43)
	want.str("token.testnet")
	want.Write(blockHash[:])
	want.u32(1)               // one action
	want.u8(2)                // FunctionCall discriminant
	want.str("ft_transfer")   // method name
	want.vec(args)            // args
	want.u64(30 * TGas)       // gas
	want.u128(1)              // deposit, one yocto

	got, err := tx.Serialize()
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, want.Bytes())

	c.Run("signed transaction appends signature", func(c *qt.C) {
		st, err := tx.Sign(kp)
		c.Assert(err, qt.IsNil)

		var wantSigned conformanceBuf
		wantSigned.Write(want.Bytes())
		wantSigned.u8(KeyTypeED25519)
		wantSigned.Write(st.Signature.Data[:])

		gotSigned, err := st.Serialize()
		c.Assert(err, qt.IsNil)
		c.Assert(gotSigned, qt.DeepEquals, wantSigned.Bytes())
	})

	c.Run("base64 submit payload", func(c *qt.C) {
		st, err := tx.Sign(kp)
		c.Assert(err, qt.IsNil)
		b64, err := st.Base64()
		c.Assert(err, qt.IsNil)
		raw, err := base64.StdEncoding.DecodeString(b64)
		c.Assert(err, qt.IsNil)
		var decoded SignedTransaction
		c.Assert(borsh.Deserialize(&decoded, raw), qt.IsNil)
		c.Assert(decoded.Transaction.SignerID, qt.Equals, "gateway.testnet")
		c.Assert(decoded.Transaction.Nonce, qt.Equals, uint64(43))
		c.Assert(decoded.Transaction.Actions, qt.HasLen, 1)
		c.Assert(decoded.Transaction.Actions[0].FunctionCall.MethodName, qt.Equals, "ft_transfer")
		c.Assert(decoded.Transaction.Actions[0].FunctionCall.Args, qt.DeepEquals, args)
	})
}

func TestAddKeyWireFormat(t *testing.T) {
	c := qt.New(t)

	kp, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	action := NewAddFullAccessKey(kp.WirePublicKey())

	got, err := borsh.Serialize(action)
	c.Assert(err, qt.IsNil)

	var want conformanceBuf
	want.u8(5)                // AddKey discriminant
	want.u8(KeyTypeED25519)
	want.Write(kp.PublicKey)
	want.u64(0)               // access key nonce
	want.u8(1)                // FullAccess permission discriminant

	c.Assert(got, qt.DeepEquals, want.Bytes())
}

func TestSignAndVerify(t *testing.T) {
	c := qt.New(t)

	kp, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)
	var blockHash [32]byte
	tx := NewTransaction("a.testnet", kp.WirePublicKey(), 1, "b.testnet", blockHash,
		[]Action{NewFunctionCall("ft_transfer", []byte(`{}`), 30*TGas, OneYocto)})

	st, err := tx.Sign(kp)
	c.Assert(err, qt.IsNil)

	ok, err := st.Verify()
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)

	c.Run("signature binds the body", func(c *qt.C) {
		tampered := *st
		tampered.Transaction.Nonce = 2
		ok, err := tampered.Verify()
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsFalse)
	})

	c.Run("digest is sha256 of body", func(c *qt.C) {
		digest, err := tx.Hash()
		c.Assert(err, qt.IsNil)
		c.Assert(ed25519.Verify(kp.PublicKey, digest[:], st.Signature.Data[:]), qt.IsTrue)
	})
}

func TestKeyStrings(t *testing.T) {
	c := qt.New(t)

	kp, err := GenerateKeyPair()
	c.Assert(err, qt.IsNil)

	c.Run("private key round trip", func(c *qt.C) {
		parsed, err := ParsePrivateKey(kp.PrivateKeyString())
		c.Assert(err, qt.IsNil)
		c.Assert(parsed.PrivateKey, qt.DeepEquals, kp.PrivateKey)
		c.Assert(parsed.PublicKey, qt.DeepEquals, kp.PublicKey)
	})

	c.Run("seed-only private key", func(c *qt.C) {
		seed := kp.PrivateKey.Seed()
		parsed, err := ParsePrivateKey("ed25519:" + base58.Encode(seed))
		c.Assert(err, qt.IsNil)
		c.Assert(parsed.PublicKey, qt.DeepEquals, kp.PublicKey)
	})

	c.Run("public key round trip", func(c *qt.C) {
		pk, err := ParsePublicKey(kp.PublicKeyString())
		c.Assert(err, qt.IsNil)
		c.Assert(pk, qt.DeepEquals, kp.WirePublicKey())
		c.Assert(pk.String(), qt.Equals, kp.PublicKeyString())
	})

	c.Run("rejects wrong prefix", func(c *qt.C) {
		_, err := ParsePrivateKey("secp256k1:abc")
		c.Assert(err, qt.ErrorMatches, `key must start with .*`)
	})

	c.Run("rejects invalid base58", func(c *qt.C) {
		_, err := ParsePrivateKey("ed25519:0OIl")
		c.Assert(err, qt.IsNotNil)
	})

	c.Run("rejects wrong payload length", func(c *qt.C) {
		_, err := ParsePrivateKey("ed25519:" + base58.Encode([]byte{1, 2, 3}))
		c.Assert(err, qt.ErrorMatches, `private key payload must be .*`)
	})

	c.Run("rejects inconsistent expanded key", func(c *qt.C) {
		bad := make([]byte, ed25519.PrivateKeySize)
		copy(bad, kp.PrivateKey)
		bad[40] ^= 0xff // corrupt the public half
		_, err := ParsePrivateKey("ed25519:" + base58.Encode(bad))
		c.Assert(err, qt.ErrorMatches, `private key public half does not match its seed`)
	})
}

func TestHashEncoding(t *testing.T) {
	c := qt.New(t)

	var h [32]byte
	for i := range h {
		h[i] = byte(255 - i)
	}
	decoded, err := DecodeHash(EncodeHash(h))
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.Equals, h)

	_, err = DecodeHash(base58.Encode([]byte{1, 2, 3}))
	c.Assert(err, qt.ErrorMatches, `hash must be 32 bytes, got 3`)

	_, err = DecodeHash("not!base58")
	c.Assert(err, qt.IsNotNil)
}
