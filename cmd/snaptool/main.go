// snaptool inspects and verifies snapshot blobs in a data directory
// without starting the server.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/sim/engine"
)

func main() {
	var (
		dir    = flag.String("dir", "./data/snapshots", "snapshot directory")
		tick   = flag.Uint64("tick", 0, "inspect one snapshot by tick (0: list all)")
		verify = flag.Bool("verify", false, "recompute and check content hashes")
	)
	flag.Parse()

	store, err := snapshot.Open(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer store.Close()

	if *tick > 0 {
		inspect(store, *tick)
		return
	}

	list, err := store.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	if len(list) == 0 {
		fmt.Println("no snapshots")
		return
	}

	bad := 0
	for _, info := range list {
		kind := "auto"
		if info.Manual {
			kind = "manual"
		}
		fmt.Printf("tick=%-10d %-6s size=%-9d created=%s hash=%s\n",
			info.Tick, kind, info.Size, info.CreatedAt.Format("2006-01-02T15:04:05Z"), short(info.Hash))
		if *verify {
			if err := verifyOne(store, info); err != nil {
				fmt.Printf("  VERIFY FAILED: %v\n", err)
				bad++
			}
		}
	}
	if *verify {
		if bad > 0 {
			fmt.Printf("%d of %d snapshots failed verification\n", bad, len(list))
			os.Exit(1)
		}
		fmt.Printf("all %d snapshots verified\n", len(list))
	}
}

func inspect(store *snapshot.Store, tick uint64) {
	data, info, err := store.Load(tick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	p, err := engine.InspectPayload(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode payload:", err)
		os.Exit(1)
	}

	fmt.Printf("payload v%d tick=%d seed=%d compressed=%d uncompressed=%d hash=%s\n",
		p.Version, p.Tick, p.Seed, info.Size, len(data), info.Hash)
	if info.Manual {
		fmt.Printf("manual snapshot: %s\n", info.Description)
	}
	fmt.Printf("groups (%d):\n", len(p.Groups))
	for _, g := range p.Groups {
		fmt.Printf("  %-16s %d bytes\n", g.Name, g.Bytes)
	}
	fmt.Printf("rng streams (%d):\n", len(p.RngStreams))
	for _, st := range p.RngStreams {
		fmt.Printf("  %-24s count=%d\n", st.Name, st.Count)
	}
}

// verifyOne decompresses the blob and recomputes the content hash. Load
// already verifies; this exists to flag corruption in bulk.
func verifyOne(store *snapshot.Store, info snapshot.Info) error {
	data, _, err := store.Load(info.Tick)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != info.Hash {
		return fmt.Errorf("hash mismatch: %s != %s", got, info.Hash)
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
