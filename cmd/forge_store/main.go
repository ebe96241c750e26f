package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/grpcutil"
	"github.com/forgebuild/forge/pkg/pathglob"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/spf13/cobra"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
)

var (
	localStorePath string
	serverAddress  string
	instanceName   string
	chunkBytes     int
	leaseDuration  time.Duration
)

const (
	batchMaxSizeBytes   = 4 << 20
	remoteCallTimeout   = 30 * time.Second
	remoteConcurrency   = 16
	spillThresholdBytes = 1 << 20
)

// openStore opens the local store and, when a server address was
// given, a remote byte store backed by it. The returned ByteStore is
// nil when operating locally only.
func openStore() (*store.Store, *remote.ByteStore, func(), error) {
	localStore, err := local.NewStore(localStorePath, clock.SystemClock, leaseDuration)
	if err != nil {
		return nil, nil, nil, err
	}
	var byteStore *remote.ByteStore
	cleanup := func() { localStore.Close() }
	if serverAddress != "" {
		conn, err := grpc.NewClient(serverAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		provider := remote.NewREAPIProvider(conn, instanceName, chunkBytes, batchMaxSizeBytes,
			remoteCallTimeout, grpcutil.DefaultRetryPolicy(), remoteConcurrency)
		byteStore = remote.NewByteStore(provider, spillThresholdBytes, os.TempDir())
		cleanup = func() {
			conn.Close()
			localStore.Close()
		}
	}
	return store.New(localStore, byteStore), byteStore, cleanup, nil
}

func parseDigestArgs(args []string) (digest.Digest, error) {
	sizeBytes, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return digest.Digest{}, status.Errorf(codes.InvalidArgument, "Invalid size %#v: %s", args[1], err)
	}
	return digest.NewFromHex(args[0], sizeBytes)
}

func printDigest(d digest.Digest) {
	fmt.Printf("%s %d\n", d.Hex(), d.SizeBytes())
}

func newFileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Operations on file blobs.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cat <fingerprint> <size-bytes>",
		Short: "Output the contents of a file blob by digest.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDigestArgs(args)
			if err != nil {
				return err
			}
			s, _, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			found, err := s.LoadFileBytesWith(cmd.Context(), d, func(data []byte) error {
				_, err := os.Stdout.Write(data)
				return err
			})
			if err != nil {
				return err
			}
			if !found {
				return status.Errorf(codes.NotFound, "File with digest %s not found", d)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "save <path>",
		Short: "Ingest a file and print its fingerprint and size in bytes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, byteStore, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			d, err := s.StoreFileBytes(cmd.Context(), contents)
			if err != nil {
				return err
			}
			if byteStore != nil {
				if _, err := byteStore.StoreBytes(cmd.Context(), contents); err != nil {
					return err
				}
			}
			printDigest(d)
			return nil
		},
	})
	return cmd
}

func loadDirectoryDigest(cmd *cobra.Command, s *store.Store, args []string) (digesttrie.DirectoryDigest, error) {
	d, err := parseDigestArgs(args)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	t, err := s.LoadDirectory(cmd.Context(), d)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	return digesttrie.FromTrie(t), nil
}

func newDirectoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Operations on directory trees.",
	}

	var root string
	save := &cobra.Command{
		Use:   "save <glob>...",
		Short: "Ingest the files matching the globs below the root and print the root directory digest.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			globs, err := pathglob.New(args, pathglob.AnyMatch, pathglob.Ignore, "globs")
			if err != nil {
				return err
			}
			s, _, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			snapshot, err := s.CaptureSnapshot(cmd.Context(), root, globs, nil)
			if err != nil {
				return err
			}
			if serverAddress != "" {
				if err := s.EnsureRemoteHasRecursive(cmd.Context(), snapshot); err != nil {
					return err
				}
			}
			printDigest(snapshot.Digest)
			return nil
		},
	}
	save.Flags().StringVar(&root, "root", "", "Root directory the globs are relative to.")
	save.MarkFlagRequired("root")
	cmd.AddCommand(save)

	var outputFormat string
	catProto := &cobra.Command{
		Use:   "cat-proto <fingerprint> <size-bytes>",
		Short: "Output a directory message addressed by digest.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			root, err := loadDirectoryDigest(cmd, s, args)
			if err != nil {
				return err
			}
			switch outputFormat {
			case "binary":
				_, err := os.Stdout.Write(root.Trie.CanonicalBytes())
				return err
			case "text":
				fmt.Print(prototext.Format(root.Trie.Directory()))
				return nil
			case "recursive-file-list":
				return root.Trie.Walk(func(path string, entry digesttrie.Entry) error {
					if _, ok := entry.(digesttrie.FileEntry); ok {
						fmt.Println(path)
					}
					return nil
				})
			default:
				return status.Errorf(codes.InvalidArgument, "Unknown output format %#v", outputFormat)
			}
		},
	}
	catProto.Flags().StringVar(&outputFormat, "output-format", "binary", "One of binary, text or recursive-file-list.")
	cmd.AddCommand(catProto)

	cmd.AddCommand(&cobra.Command{
		Use:   "materialize <fingerprint> <size-bytes> <destination>",
		Short: "Write a directory tree addressed by digest to the filesystem.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			root, err := loadDirectoryDigest(cmd, s, args[:2])
			if err != nil {
				return err
			}
			return s.MaterializeDirectory(cmd.Context(), args[2], root, false, nil, store.Writable)
		},
	})
	return cmd
}

func newCatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <fingerprint> <size-bytes>",
		Short: "Output the contents of a file or directory message by digest.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDigestArgs(args)
			if err != nil {
				return err
			}
			s, _, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()
			found, err := s.LoadFileBytesWith(cmd.Context(), d, func(data []byte) error {
				_, err := os.Stdout.Write(data)
				return err
			})
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			t, err := s.LoadDirectory(cmd.Context(), d)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return status.Errorf(codes.NotFound, "Digest %s not found", d)
				}
				return err
			}
			_, err = os.Stdout.Write(t.CanonicalBytes())
			return err
		},
	}
}

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove blobs whose leases have expired.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			localStore, err := local.NewStore(localStorePath, clock.SystemClock, leaseDuration)
			if err != nil {
				return err
			}
			defer localStore.Close()
			removed, err := localStore.GC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d blobs\n", removed)
			return nil
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "forge_store",
		Short:         "Inspect and modify the content addressed store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&localStorePath, "local-store-path", "", "Directory holding the local store.")
	rootCmd.MarkPersistentFlagRequired("local-store-path")
	rootCmd.PersistentFlags().StringVar(&serverAddress, "server-address", "", "Optional address of an REAPI content addressed storage server.")
	rootCmd.PersistentFlags().StringVar(&instanceName, "instance-name", "", "REAPI instance name.")
	rootCmd.PersistentFlags().IntVar(&chunkBytes, "chunk-bytes", 3<<20, "Number of bytes per chunk when uploading blobs.")
	rootCmd.PersistentFlags().DurationVar(&leaseDuration, "lease-duration", 14*24*time.Hour, "How long newly stored blobs survive garbage collection.")
	rootCmd.AddCommand(newFileCommand(), newDirectoryCommand(), newCatCommand(), newGCCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if status.Code(err) == codes.NotFound {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
