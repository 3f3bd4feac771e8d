// Copyright 2023 The Armored Witness authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The secboot-sign tool builds signed firmware images, and optionally
// encrypted update envelopes, for a slot of the device memory map.
package main

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"os"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-secboot/internal/config"
	"github.com/transparency-dev/armored-witness-secboot/internal/crypto"
	"github.com/transparency-dev/armored-witness-secboot/internal/firmware"
	"github.com/transparency-dev/armored-witness-secboot/internal/flash"
)

var (
	configFile    = flag.String("config", "", "Memory map configuration file, the reference device map is used when empty.")
	payloadFile   = flag.String("payload", "", "Application payload to sign.")
	outputFile    = flag.String("output_file", "", "File to write the signed image, or update envelope, to.")
	slot          = flag.String("slot", flash.MainApp, "Region the image is built for.")
	version       = flag.String("version", "1.0.0", "Image version as major.minor.patch[+build].")
	keyFile       = flag.String("key_file", "", "PEM encoded ECDSA P-256 private key.")
	signatureFile = flag.String("signature_file", "", "DER encoded ECDSA signature over the payload SHA-256 digest, used instead of -key_file.")
	digestOnly    = flag.Bool("digest", false, "Print the payload digest to be signed externally and exit.")
	masterKey     = flag.String("master_key", "", "Hex encoded device master key, produces an update envelope when set.")
	masterIV      = flag.String("master_iv", "", "Hex encoded device master IV.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
	}

	if *digestOnly {
		d := sha256.Sum256(payload)
		os.Stdout.WriteString(hex.EncodeToString(d[:]) + "\n")
		return
	}

	region := regionOrDie(*configFile, *slot)

	v, err := firmware.ParseVersion(*version)
	if err != nil {
		klog.Exitf("Invalid version %q: %v", *version, err)
	}

	img, err := firmware.Build(region.Base, payload, v, signerOrDie())
	if err != nil {
		klog.Exitf("Failed to build image: %v", err)
	}

	if uint64(len(img)) > uint64(region.Size) {
		klog.Exitf("Image (%d bytes) does not fit %v", len(img), region)
	}

	klog.Infof("Built image for %v, version %v, %d bytes", region, v, len(img))

	out := img
	if len(*masterKey) > 0 {
		out = envelopeOrDie(img)
	}

	if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes to %q", len(out), *outputFile)
}

func regionOrDie(p string, name string) flash.Region {
	c, err := config.Load(p)
	if err != nil {
		klog.Exitf("Failed to load configuration: %v", err)
	}
	l, err := c.Layout()
	if err != nil {
		klog.Exitf("Invalid memory map: %v", err)
	}
	r, err := l.Region(name)
	if err != nil {
		klog.Exitf("Unknown slot: %v", err)
	}
	return r
}

func signerOrDie() firmware.Signer {
	switch {
	case len(*keyFile) > 0:
		return firmware.KeySigner(loadKeyOrDie(*keyFile))
	case len(*signatureFile) > 0:
		der, err := os.ReadFile(*signatureFile)
		if err != nil {
			klog.Exitf("Failed to read signature %q: %v", *signatureFile, err)
		}
		sig, err := firmware.ParseDERSignature(der)
		if err != nil {
			klog.Exitf("Invalid signature %q: %v", *signatureFile, err)
		}
		return func([]byte) (crypto.Signature, error) {
			return sig, nil
		}
	}

	klog.Exit("One of -key_file or -signature_file is required")
	return nil
}

func loadKeyOrDie(p string) *ecdsa.PrivateKey {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read key %q: %v", p, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		klog.Exitf("No PEM block in %q", p)
	}

	var key any
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		klog.Exitf("Failed to parse key %q: %v", p, err)
	}

	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		klog.Exitf("Key %q is not an ECDSA key", p)
	}
	return priv
}

func envelopeOrDie(img []byte) []byte {
	key := hexOrDie(*masterKey, "master key")
	iv := hexOrDie(*masterIV, "master IV")

	e, err := crypto.Init()
	if err != nil {
		klog.Exitf("crypto.Init: %v", err)
	}

	ct, err := e.EncryptCBC(key, iv, img)
	if err != nil {
		klog.Exitf("Failed to encrypt image: %v", err)
	}
	return firmware.Envelope(ct)
}

func hexOrDie(s string, thing string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		klog.Exitf("Invalid %s %q: %v", thing, s, err)
	}
	return b
}
