// Package secret resolves configuration values that point at a secret
// store instead of holding the secret inline.
//
// A reference has the form
//
//	secretref:<provider>:<ref>
//
// with providers env (variable name), ssm (parameter name, decrypted),
// kms (base64 ciphertext), s3 (bucket/key) and keyring (service/key).
// Anything else is returned unchanged. Resolved values are never logged.
package secret
