// Package custody implements the key vault that generates wallet keypairs
// and guards their private halves. It is the only package that ever holds
// plaintext key bytes, and only transiently inside a generate or
// decrypt-for-signing call. Storage representations are authenticated
// AES-256-GCM ciphertexts under a passphrase-derived key, except for the
// explicitly insecure ephemeral mode used for disposable test wallets.
package custody
