// Command fwpack builds a staging-slot image (one Metadata record plus
// its Fragment records) from a plain firmware binary and a set of
// Ed25519 signing keys, the counterpart on the build side of what
// internal/installer and internal/server verify on the device side.
package main

import (
	"crypto/sha512"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/otiai10/copy"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ed25519"

	"github.com/mp-commits/reliable-fw-update/internal/onflash"
)

var (
	flagBinary       string
	flagOut          string
	flagFirmwareType string
	flagVerifyMethod string
	flagVersion      uint32
	flagRollback     uint32
	flagFirmwareID   uint32
	flagName         string
	flagStartAddr    uint32
	flagFragmentSize uint32
	flagMetadataKey  string
	flagFirmwareKey  string
	flagFragmentKey  string
)

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key %s is %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

func firmwareTypeFromFlag() (onflash.FirmwareType, error) {
	switch flagFirmwareType {
	case "firmware":
		return onflash.FirmwareTypeFirmware, nil
	case "rescue":
		return onflash.FirmwareTypeRescue, nil
	default:
		return 0, fmt.Errorf("unknown --type %q, want firmware|rescue", flagFirmwareType)
	}
}

func verifyMethodFromFlag() (onflash.VerifyMethod, error) {
	switch flagVerifyMethod {
	case "leaf":
		return onflash.VerifyMethodLeafEd25519, nil
	case "chain":
		return onflash.VerifyMethodSHA512Chain, nil
	default:
		return 0, fmt.Errorf("unknown --verify-method %q, want leaf|chain", flagVerifyMethod)
	}
}

// chainHash matches verify.chainHash: H_n = SHA512(prev || signingBytes).
// Not exported from internal/verify, so the build side recomputes the
// same formula independently rather than depending on device-side
// internals.
func chainHash(prev []byte, signed []byte) []byte {
	h := sha512.New()
	h.Write(prev)
	h.Write(signed)
	return h.Sum(nil)
}

func buildMetadata(binary []byte, firmwareType onflash.FirmwareType, firmwarePriv, metadataPriv ed25519.PrivateKey) (onflash.Metadata, error) {
	var meta onflash.Metadata
	copy(meta.Magic[:], onflash.MetadataMagic[:])
	meta.Type = uint32(firmwareType)
	meta.Version = flagVersion
	meta.RollbackNumber = flagRollback
	meta.FirmwareID = flagFirmwareID
	meta.StartAddress = flagStartAddr
	meta.FirmwareSize = uint32(len(binary))
	copy(meta.Name[:onflash.NameSize-1], []byte(flagName))

	fwSig := ed25519.Sign(firmwarePriv, binary)
	copy(meta.FirmwareSignature[:], fwSig)

	signed, err := onflash.MetadataSigningBytes(&meta)
	if err != nil {
		return meta, err
	}
	metaSig := ed25519.Sign(metadataPriv, signed)
	copy(meta.MetadataSignature[:], metaSig)

	return meta, nil
}

func buildFragments(binary []byte, meta *onflash.Metadata, verifyMethod onflash.VerifyMethod, fragmentPriv ed25519.PrivateKey) ([]onflash.Fragment, error) {
	var fragments []onflash.Fragment

	prevHash := append([]byte(nil), meta.MetadataSignature[:]...)
	addr := flagStartAddr

	for off := 0; off < len(binary); off += int(flagFragmentSize) {
		end := off + int(flagFragmentSize)
		if end > len(binary) {
			end = len(binary)
		}
		chunk := binary[off:end]

		f := onflash.Fragment{
			FirmwareID:   flagFirmwareID,
			Number:       uint32(len(fragments)),
			VerifyMethod: uint32(verifyMethod),
			StartAddress: addr,
			Size:         uint32(len(chunk)),
		}
		copy(f.Content[:], chunk)

		signed, err := onflash.FragmentSigningBytes(&f)
		if err != nil {
			return nil, err
		}

		switch verifyMethod {
		case onflash.VerifyMethodLeafEd25519:
			sig := ed25519.Sign(fragmentPriv, signed)
			copy(f.Signature[:], sig)
		case onflash.VerifyMethodSHA512Chain:
			h := chainHash(prevHash, signed)
			copy(f.Signature[:], h)
			prevHash = h
		}

		fragments = append(fragments, f)
		addr += uint32(len(chunk))
	}

	return fragments, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	firmwareType, err := firmwareTypeFromFlag()
	if err != nil {
		return err
	}
	verifyMethod, err := verifyMethodFromFlag()
	if err != nil {
		return err
	}

	binary, err := os.ReadFile(flagBinary)
	if err != nil {
		return fmt.Errorf("reading firmware binary: %w", err)
	}
	if len(binary) == 0 {
		return fmt.Errorf("firmware binary %s is empty", flagBinary)
	}

	metadataPriv, err := loadPrivateKey(flagMetadataKey)
	if err != nil {
		return err
	}
	firmwarePriv, err := loadPrivateKey(flagFirmwareKey)
	if err != nil {
		return err
	}
	fragmentPriv, err := loadPrivateKey(flagFragmentKey)
	if err != nil {
		return err
	}

	meta, err := buildMetadata(binary, firmwareType, firmwarePriv, metadataPriv)
	if err != nil {
		return fmt.Errorf("building metadata: %w", err)
	}

	fragments, err := buildFragments(binary, &meta, verifyMethod, fragmentPriv)
	if err != nil {
		return fmt.Errorf("building fragments: %w", err)
	}

	if err := os.MkdirAll(flagOut, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	metaBytes, err := onflash.MarshalMetadata(&meta)
	if err != nil {
		return fmt.Errorf("packing metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(flagOut, "metadata.bin"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("writing metadata.bin: %w", err)
	}

	for _, f := range fragments {
		raw, err := onflash.MarshalFragment(&f)
		if err != nil {
			return fmt.Errorf("packing fragment %d: %w", f.Number, err)
		}
		name := fmt.Sprintf("fragment-%04d.bin", f.Number)
		if err := os.WriteFile(filepath.Join(flagOut, name), raw, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}

	if err := copy.Copy(flagBinary, filepath.Join(flagOut, "source."+filepath.Base(flagBinary))); err != nil {
		return fmt.Errorf("archiving source binary: %w", err)
	}

	color.Green("packaged %s: %d bytes, %d fragments, firmwareID=%d version=%d rollback=%d",
		flagBinary, len(binary), len(fragments), flagFirmwareID, flagVersion, flagRollback)
	fmt.Printf("  type=%s verifyMethod=%s startAddress=0x%x\n", flagFirmwareType, flagVerifyMethod, flagStartAddr)
	fmt.Printf("  output: %s\n", flagOut)

	return nil
}

func buildCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "build",
		Short: "Package a firmware binary into a signed metadata + fragment set",
		RunE:  runBuild,
	}

	c.Flags().StringVar(&flagBinary, "binary", "", "path to the raw firmware image")
	c.Flags().StringVar(&flagOut, "out", "./build", "output directory for the packaged records")
	c.Flags().StringVar(&flagFirmwareType, "type", "firmware", "firmware|rescue")
	c.Flags().StringVar(&flagVerifyMethod, "verify-method", "chain", "leaf|chain")
	c.Flags().Uint32Var(&flagVersion, "version", 1, "firmware version")
	c.Flags().Uint32Var(&flagRollback, "rollback", 1, "anti-rollback counter, must not decrease across releases")
	c.Flags().Uint32Var(&flagFirmwareID, "firmware-id", 1, "firmware identifier tying metadata to its fragments")
	c.Flags().StringVar(&flagName, "name", "", "human-readable firmware name, truncated to 31 bytes")
	c.Flags().Uint32Var(&flagStartAddr, "start-address", 0, "destination flash address of byte 0")
	c.Flags().Uint32Var(&flagFragmentSize, "fragment-size", onflash.FragmentContentMax, "bytes per fragment, at most 1024")
	c.Flags().StringVar(&flagMetadataKey, "metadata-key", "", "path to the raw 64-byte Ed25519 metadata signing key")
	c.Flags().StringVar(&flagFirmwareKey, "firmware-key", "", "path to the raw 64-byte Ed25519 firmware signing key")
	c.Flags().StringVar(&flagFragmentKey, "fragment-key", "", "path to the raw 64-byte Ed25519 fragment signing key")

	c.MarkFlagRequired("binary")
	c.MarkFlagRequired("metadata-key")
	c.MarkFlagRequired("firmware-key")
	c.MarkFlagRequired("fragment-key")

	return c
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fwpack",
		Short: "Packages firmware binaries into signed staging-slot records",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	root.AddCommand(buildCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.Red("fwpack: %v", err)
		os.Exit(1)
	}
}
