package neartx

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/near/borsh-go"
)

// TGas is one teragas in gas units.
const TGas uint64 = 1_000_000_000_000

// OneYocto is the FT standard's mandatory attached deposit: it forces the
// call to carry a full-access signature, preventing spoofed transfers.
var OneYocto = big.NewInt(1)

// PublicKey is the borsh wire form of an access key's public key.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// Signature is the borsh wire form of a transaction signature.
type Signature struct {
	KeyType uint8
	Data    [64]byte
}

// Action is the protocol's action enum. The variant order fixes the borsh
// discriminant values and must never be rearranged.
type Action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  CreateAccount
	DeployContract DeployContract
	FunctionCall   FunctionCall
	Transfer       Transfer
	Stake          Stake
	AddKey         AddKey
	DeleteKey      DeleteKey
	DeleteAccount  DeleteAccount
}

// Discriminants of the Action enum, in schema order.
const (
	actionCreateAccount borsh.Enum = iota
	actionDeployContract
	actionFunctionCall
	actionTransfer
	actionStake
	actionAddKey
	actionDeleteKey
	actionDeleteAccount
)

type CreateAccount struct{}

type DeployContract struct {
	Code []byte
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

type Transfer struct {
	Deposit big.Int
}

type Stake struct {
	Stake     big.Int
	PublicKey PublicKey
}

type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

type DeleteKey struct {
	PublicKey PublicKey
}

type DeleteAccount struct {
	BeneficiaryID string
}

// AccessKey is the on-chain access key record attached by AddKey.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

// AccessKeyPermission is the permission enum: FunctionCall = 0,
// FullAccess = 1.
type AccessKeyPermission struct {
	Enum         borsh.Enum `borsh_enum:"true"`
	FunctionCall FunctionCallPermission
	FullAccess   FullAccessPermission
}

type FunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

type FullAccessPermission struct{}

// Transaction is the unsigned transaction body. Its borsh serialization is
// the exact byte sequence hashed and signed.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// SignedTransaction is the submit payload: body plus signature.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// NewFunctionCall builds a function-call action.
func NewFunctionCall(method string, args []byte, gas uint64, deposit *big.Int) Action {
	return Action{
		Enum: actionFunctionCall,
		FunctionCall: FunctionCall{
			MethodName: method,
			Args:       args,
			Gas:        gas,
			Deposit:    *deposit,
		},
	}
}

// NewAddFullAccessKey builds an AddKey action granting pub full access,
// used when registering generated signing keys at bootstrap.
func NewAddFullAccessKey(pub PublicKey) Action {
	return Action{
		Enum: actionAddKey,
		AddKey: AddKey{
			PublicKey: pub,
			AccessKey: AccessKey{
				Nonce:      0,
				Permission: AccessKeyPermission{Enum: 1, FullAccess: FullAccessPermission{}},
			},
		},
	}
}

// NewTransaction assembles an unsigned transaction.
func NewTransaction(signerID string, pub PublicKey, nonce uint64, receiverID string, blockHash [32]byte, actions []Action) *Transaction {
	return &Transaction{
		SignerID:   signerID,
		PublicKey:  pub,
		Nonce:      nonce,
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions:    actions,
	}
}

// Serialize renders the canonical borsh bytes of the transaction body.
func (t *Transaction) Serialize() ([]byte, error) {
	data, err := borsh.Serialize(*t)
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return data, nil
}

// Hash is the SHA-256 digest of the serialized body; its base58 form is the
// transaction hash reported by the chain.
func (t *Transaction) Hash() ([32]byte, error) {
	data, err := t.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Sign produces the signed transaction: Ed25519 over the body digest.
func (t *Transaction) Sign(kp KeyPair) (*SignedTransaction, error) {
	digest, err := t.Hash()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(kp.PrivateKey, digest[:])
	st := &SignedTransaction{Transaction: *t}
	st.Signature.KeyType = KeyTypeED25519
	copy(st.Signature.Data[:], sig)
	return st, nil
}

// Verify checks the signature against the embedded public key.
func (st *SignedTransaction) Verify() (bool, error) {
	digest, err := st.Transaction.Hash()
	if err != nil {
		return false, err
	}
	pub := ed25519.PublicKey(st.Transaction.PublicKey.Data[:])
	return ed25519.Verify(pub, digest[:], st.Signature.Data[:]), nil
}

// Serialize renders the borsh bytes of the signed transaction.
func (st *SignedTransaction) Serialize() ([]byte, error) {
	data, err := borsh.Serialize(*st)
	if err != nil {
		return nil, fmt.Errorf("serialize signed transaction: %w", err)
	}
	return data, nil
}

// Base64 renders the signed transaction as the node's submit parameter.
func (st *SignedTransaction) Base64() (string, error) {
	data, err := st.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
