package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	xerrors "AgentVault-Chain/internal/errors"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// Mode 表示私钥的托管方式。
type Mode string

const (
	// ModeEncrypted 使用口令派生密钥对私钥做认证加密后存储。
	ModeEncrypted Mode = "encrypted"
	// ModeEphemeral 以明文（仅 base64 编码）存储私钥。该模式没有任何
	// 加密保护，只用于可丢弃的测试钱包，绝不能作为加密配置缺失时的
	// 静默回退。
	ModeEphemeral Mode = "ephemeral"
)

// derivationSalt 是口令派生使用的固定盐。更换盐会使所有已存储的密文
// 无法解密。
var derivationSalt = []byte("agentvault-chain-wallet-salt")

const (
	defaultIterations = 100_000
	derivedKeyLength  = 32
)

// ParseMode 校验外部传入的托管方式字符串。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeEncrypted, "":
		return ModeEncrypted, nil
	case ModeEphemeral:
		return ModeEphemeral, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的私钥托管方式: "+raw)
	}
}

// KeyMaterial 是一次密钥生成的产物。Stored 字段是可直接落库的表示，
// 明文私钥字节不会出现在这里。
type KeyMaterial struct {
	Address string
	Stored  string
	Mode    Mode
}

// Vault 负责钱包私钥的生成、加密存储与受控解密。对称密钥在构造时
// 派生一次并缓存，永远不会通过任何公开方法暴露。
type Vault struct {
	aead cipher.AEAD
}

// New 根据口令构造密钥保管库。口令为空视为配置错误，绝不会退化为
// 不加密的存储。
func New(passphrase string, iterations int) (*Vault, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "钱包口令未配置")
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}

	derived := pbkdf2.Key([]byte(passphrase), derivationSalt, iterations, derivedKeyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化加密器失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 GCM 失败")
	}
	return &Vault{aead: aead}, nil
}

// Generate 生成一对新的 secp256k1 密钥并按指定方式封存私钥。
// 返回的地址由公钥确定性推导，之后永不变化。
func (v *Vault) Generate(mode Mode) (KeyMaterial, error) {
	if v == nil || v.aead == nil {
		return KeyMaterial{}, xerrors.New(xerrors.CodeInitializationFailure, "密钥保管库未初始化")
	}

	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return KeyMaterial{}, xerrors.Wrap(xerrors.CodeCustodyFailure, err, "生成密钥对失败")
	}
	raw := gethcrypto.FromECDSA(key)
	defer zero(raw)

	address := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	var stored string
	switch mode {
	case ModeEncrypted:
		nonce := make([]byte, v.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return KeyMaterial{}, xerrors.Wrap(xerrors.CodeCustodyFailure, err, "生成随机数失败")
		}
		sealed := v.aead.Seal(nonce, nonce, raw, nil)
		stored = base64.StdEncoding.EncodeToString(sealed)
	case ModeEphemeral:
		// 明文落库，调用方必须明确选择该模式。
		stored = base64.StdEncoding.EncodeToString(raw)
	default:
		return KeyMaterial{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的私钥托管方式: "+string(mode))
	}

	return KeyMaterial{Address: address, Stored: stored, Mode: mode}, nil
}

// DecryptForSigning 将存储态的私钥还原为可签名的密钥。返回的私钥只能
// 在本次签名调用内使用，调用方不得持久化或写入日志。
// 密文损坏、认证失败或解码失败都会返回 CUSTODY_FAILURE。
func (v *Vault) DecryptForSigning(stored string, mode Mode) (*ecdsa.PrivateKey, error) {
	if v == nil || v.aead == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "密钥保管库未初始化")
	}

	blob, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCustodyFailure, err, "私钥存储内容解码失败")
	}

	var raw []byte
	switch mode {
	case ModeEncrypted:
		nonceSize := v.aead.NonceSize()
		if len(blob) <= nonceSize {
			return nil, xerrors.New(xerrors.CodeCustodyFailure, "私钥密文长度异常")
		}
		raw, err = v.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCustodyFailure, err, "私钥解密校验失败")
		}
	case ModeEphemeral:
		raw = blob
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的私钥托管方式: "+string(mode))
	}
	defer zero(raw)

	key, err := gethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCustodyFailure, err, "私钥内容非法")
	}
	return key, nil
}

// zero 擦除缓冲区中的明文私钥字节。
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
