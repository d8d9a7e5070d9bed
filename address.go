package shs

import (
	"encoding/base64"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

var newlyGenerated struct {
	sync.Mutex
	key *KeyPair
}

// ParseAddress parses a regular "host:port" address, or an shs address of the
// form "host:port+local+remote". Config is updated with information from
// "local" and "remote". The leftover regular address is stored in
// config.Address.
//
// "Local" specifies the local identity private key, and must be one of:
//
//   - a literal base64-raw-url-encoded ed25519 seed.
//     Keep in mind this address may be printed or logged, revealing it unintentionally.
//   - "fs", read the seed from the file "identity" from the nearest ".shs"
//     directory. The default for regular addresses.
//   - "new", a new identity is created and used for the lifetime of the program.
//   - "" (empty string), nothing is done, in which case the "config" parameter must
//     contain an identity.
//
// "Remote" specifies the remote identity public keys, and must be a
// comma-separated list of:
//
//   - a literal base64-raw-url-encoded public key.
//   - "known", read the file "known_hosts" for known public keys from the nearest
//     ".shs" directory. The default for regular addresses. For a client, the
//     server identity is resolved from the file by dial address before the
//     handshake starts.
//   - "tofu", for trust on first use, like "known", but adds a line to the known
//     hosts file for a previously unseen client, returning an error if no known
//     hosts file was found. Only usable for servers: a client must know the
//     server identity to even start a handshake.
//   - "any", for trusting any remote public key, this is unsafe and should only
//     be used for testing. Like "tofu", only usable for servers.
//
// Example addresses:
//
//	localhost:8008
//	localhost:8008+fs+known
//	localhost:8008+fs+tofu
//	localhost:8008+fs+Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c
//	localhost:8008+new+any
func ParseAddress(address string, config *Config) (rerr error) {
	// NOTE: we don't include the address in error messages: it might contain a private key.

	if address == config.Address {
		return nil
	}
	if config.Address != "" {
		return prefixError(ErrBadConfig, "an address was already parsed into the config")
	}

	t := strings.Split(address, "+")
	if len(t) > 3 {
		return prefixError(ErrBadAddress, "found more than 3 plus-separated tokens in address")
	}

	config.Address = t[0]

	if len(t) < 3 && config.CheckPublicKey == nil {
		config.CheckPublicKey = CheckKnownhosts
		config.useKnownHosts = true
	}

	var err error
	if len(t) > 1 {
		err = loadPrivate(t[1], config)
	} else if config.LocalIdentity == nil {
		err = loadPrivate("fs", config)
	}
	if err != nil {
		return err
	}

	if len(t) > 2 {
		err = loadPublic(t[2], config)
	} else if config.CheckPublicKey == nil {
		err = loadPublic("known", config)
	}
	return err
}

func loadPrivate(spec string, config *Config) error {
	switch spec {
	case "new":
		if config.LocalIdentity != nil {
			return prefixError(ErrBadConfig, "config already has an identity")
		}
		newlyGenerated.Lock()
		defer newlyGenerated.Unlock()
		if newlyGenerated.key == nil {
			key, err := GenerateKeyPair(config.Rand)
			if err != nil {
				return err
			}
			newlyGenerated.key = key
		}
		config.LocalIdentity = newlyGenerated.key
	case "fs":
		if config.LocalIdentity != nil {
			return prefixError(ErrBadConfig, "config already has an identity")
		}
		key, err := readNearestIdentityFile()
		if err != nil {
			return xerrors.Errorf("reading nearest identity in file system: %w", err)
		}
		config.LocalIdentity = key
	case "":
		if config.LocalIdentity == nil {
			return ErrNoPrivateKey
		}
	default:
		seed, err := base64.RawURLEncoding.DecodeString(spec)
		if err != nil {
			return prefixError(ErrBadKey, "bad base64-raw-url for identity seed: %s", err)
		}
		config.LocalIdentity, err = KeyPairFromSeed(seed)
		wipe(seed)
		if err != nil {
			return prefixError(ErrBadKey, "parsing identity seed: %s", err)
		}
	}
	return nil
}

func loadPublic(spec string, config *Config) error {
	for _, remote := range strings.Split(spec, ",") {
		switch remote {
		case "":
			// nothing to do
		case "known", "tofu", "any":
			if config.CheckPublicKey != nil {
				return prefixError(ErrBadConfig, "config already has a CheckPublicKey configured")
			}
			switch remote {
			case "known":
				config.CheckPublicKey = CheckKnownhosts
				config.useKnownHosts = true
			case "tofu":
				config.isTofu = true
				config.CheckPublicKey = CheckTrustOnFirstUse
			case "any":
				config.CheckPublicKey = func(address string, pubKey PublicKey, conn *Conn) error {
					return nil
				}
			default:
				panic("missing case")
			}
		default:
			pubKey, err := base64.RawURLEncoding.DecodeString(remote)
			if err != nil {
				return prefixError(ErrBadKey, "bad base64-raw-url for public key: %s", err)
			}
			if len(pubKey) != 32 {
				return prefixError(ErrBadKey, "invalid remote public key %q: got %d bytes, expect 32", remote, len(pubKey))
			}
			config.remoteIdentities = append(config.remoteIdentities, pubKey)
		}
	}

	return nil
}

func readNearestIdentityFile() (*KeyPair, error) {
	dir, err := NearestShsDir()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(dir + "/identity")
	if err != nil {
		return nil, prefixError(ErrNoPrivateKey, "opening identity file: %s", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	perm := info.Mode() & os.ModePerm
	if perm&07 != 0 {
		return nil, prefixError(ErrNoPrivateKey, "refusing to read identity from world-accessible %s", f.Name())
	}

	// Read the seed from file in "buf" below, without making any copies. Clear
	// it when we are done. Afterwards, the only copy will be in the KeyPair.
	buf := make([]byte, 64)
	defer wipe(buf)
	have := 0
	for {
		n, err := f.Read(buf[have:])
		have += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if have == len(buf) {
			return nil, prefixError(ErrBadKey, "too long for an identity seed")
		}
	}
	for have > 0 && (buf[have-1] == '\n' || buf[have-1] == '\r') {
		have--
	}
	n, err := base64.RawURLEncoding.Decode(buf, buf[:have])
	if err != nil {
		return nil, prefixError(ErrBadKey, "decoding base64-raw-url identity seed: %s", err)
	}
	return KeyPairFromSeed(buf[:n])
}
