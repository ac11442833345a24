package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"halo-indexer/halo/api"
	"halo-indexer/halo/moderation"
	"halo-indexer/halo/signature"
	"halo-indexer/halo/types"
)

type keyOutput struct {
	PubKey     string `json:"pubkey"`
	PrivateKey string `json:"privateKey"`
	Address    string `json:"address"`
}

type signPostOptions struct {
	PrivateKey     string
	Content        string
	Timestamp      int64
	BundleID       string
	AddressVersion uint8
	PostType       string
	Parent         string
	JWTSecret      string
	Subject        string
	Role           string
	Subscription   string
	TokenTTL       time.Duration
}

type signPostOutput struct {
	Request api.CreatePostRequest `json:"request"`
	Token   string                `json:"token,omitempty"`
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runGenKey(w io.Writer, version uint8) error {
	pubHex, privStr, err := signature.GenerateKeyPair()
	if err != nil {
		return err
	}
	priv, err := signature.ParsePrivateKey(privStr)
	if err != nil {
		return err
	}
	return writeJSONTo(w, keyOutput{
		PubKey:     pubHex,
		PrivateKey: privStr,
		Address:    signature.AddressFromPrivateKey(priv, version),
	})
}

func runSignPost(w io.Writer, o signPostOptions) error {
	if strings.TrimSpace(o.PrivateKey) == "" {
		return fmt.Errorf("--key is required")
	}
	if o.Timestamp == 0 {
		o.Timestamp = types.NowMillis()
	}
	sig, pubHex, addr, err := signature.SignPost(o.PrivateKey, o.Content, o.Timestamp, o.BundleID, o.AddressVersion)
	if err != nil {
		return err
	}
	ts := o.Timestamp
	out := signPostOutput{Request: api.CreatePostRequest{
		Content:     o.Content,
		UserAddress: addr,
		Signature:   sig,
		PubKey:      pubHex,
		Timestamp:   &ts,
		PostType:    o.PostType,
	}}
	if p := strings.TrimSpace(o.Parent); p != "" {
		if strings.HasPrefix(p, types.CodePrefix) {
			out.Request.ParentSequentialCode = &p
		} else {
			out.Request.ParentIPFSHash = &p
		}
	}
	if o.JWTSecret != "" {
		subject := o.Subject
		if subject == "" {
			subject = addr
		}
		out.Token, err = api.IssueToken([]byte(o.JWTSecret), subject, o.Role, o.Subscription, o.TokenTTL)
		if err != nil {
			return err
		}
	}
	return writeJSONTo(w, out)
}

func runCheckCharter(w io.Writer, path string) error {
	c, err := moderation.LoadCharterFile(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "charter %s ok: %d categories\n", c.Version, len(c.Categories))
	return err
}

func genKeyCommand() *cobra.Command {
	var version uint8
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a secp256k1 key pair and its address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenKey(cmd.OutOrStdout(), version)
		},
	}
	cmd.Flags().Uint8Var(&version, "address-version", signature.DefaultAddressVersion, "address version byte")
	return cmd
}

func signPostCommand() *cobra.Command {
	o := signPostOptions{}
	cmd := &cobra.Command{
		Use:   "sign-post",
		Short: "Sign post content and print a create-post request body",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSignPost(cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.PrivateKey, "key", "", "private key (secp256k1:<hex>)")
	f.StringVar(&o.Content, "content", "", "post content")
	f.Int64Var(&o.Timestamp, "timestamp", 0, "timestamp in unix millis (default now)")
	f.StringVar(&o.BundleID, "bundle", "io.halo.app", "bundle id bound into the signed message")
	f.Uint8Var(&o.AddressVersion, "address-version", signature.DefaultAddressVersion, "address version byte")
	f.StringVar(&o.PostType, "type", types.PostTypeFree, "post type (free|sponsored)")
	f.StringVar(&o.Parent, "parent", "", "parent sequential code or IPFS hash")
	f.StringVar(&o.JWTSecret, "jwt-secret", "", "issue a bearer token signed with this secret")
	f.StringVar(&o.Subject, "subject", "", "token subject (default the address)")
	f.StringVar(&o.Role, "role", api.RoleUser, "token role")
	f.StringVar(&o.Subscription, "subscription", "", "token subscription state")
	f.DurationVar(&o.TokenTTL, "ttl", time.Hour, "token lifetime")
	return cmd
}

func checkCharterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-charter <file>",
		Short: "Validate a moderation charter file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckCharter(cmd.OutOrStdout(), args[0])
		},
	}
}

func discoverCommand() *cobra.Command {
	var (
		service string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for indexer instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := discoverMdns(cmd.Context(), service, timeout)
			if err != nil {
				return err
			}
			for _, ep := range found {
				fmt.Fprintln(cmd.OutOrStdout(), ep)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", defaultMdnsService, "mDNS service type")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMdnsTimeout, "browse timeout")
	return cmd
}
