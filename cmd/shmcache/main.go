// Command shmcache is a command-line front end to the shared-memory
// compilation cache core (package cache): create, insert, get, rm, ttl,
// clear, stat.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ghetzel/cli"
	"github.com/ghetzel/go-stockutil/stringutil"
	"github.com/google/uuid"

	"github.com/ghetzel/shmcache/cache"
)

const DefaultLogLevel = `info`

// sessionID tags the log line reported when this invocation fails to open
// the cache, so that such failures from many unrelated worker processes
// hitting the same cache path can be told apart; other log lines do not
// carry it. It is never stored in shared memory — segment IDs stay the
// small integers the byte-exact index layout requires.
var sessionID = uuid.New().String()

func main() {
	log.SetFormatter(&log.TextFormatter{})
	app := cli.NewApp()
	app.Name = `shmcache`
	app.Usage = `a command line utility for interacting with the shared-memory compilation cache`
	app.Version = `1.0.0`
	app.EnableBashCompletion = false
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   `log-level, L`,
			Usage:  `Level of logging verbosity`,
			Value:  DefaultLogLevel,
			EnvVar: `LOGLEVEL`,
		},
		cli.StringFlag{
			Name:  `path, p`,
			Usage: `Filesystem path used to key the cache's shared segments`,
			Value: `/tmp/shmcache`,
		},
		cli.IntFlag{
			Name:  `buckets, N`,
			Usage: `Number of buckets in the cache index`,
			Value: 2053,
		},
		cli.IntFlag{
			Name:  `segments, M`,
			Usage: `Maximum number of data segments`,
			Value: 4,
		},
		cli.IntFlag{
			Name:  `segment-size, S`,
			Usage: `Size in bytes of each data segment`,
			Value: 1 << 22,
		},
		cli.IntFlag{
			Name:  `ttl`,
			Usage: `Default entry TTL in seconds (0 = never expire)`,
			Value: 0,
		},
		cli.StringFlag{
			Name:  `mode`,
			Usage: `Retrieval mode: safe or fast`,
			Value: `safe`,
		},
	}

	app.Before = func(c *cli.Context) error {
		if lvl := c.String(`log-level`); lvl != `` {
			if l, err := log.ParseLevel(lvl); err == nil {
				log.SetLevel(l)
			} else {
				log.Fatalf("Invalid log level '%s'", lvl)
				return fmt.Errorf("%v", err)
			}
		}
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:      `create`,
			Usage:     `Create (or attach to) the cache, and immediately exit`,
			ArgsUsage: ` `,
			Action: func(c *cli.Context) {
				openCache(c)
				log.Infof("Cache ready at %s", c.GlobalString(`path`))
			},
		}, {
			Name:      `insert`,
			Usage:     `Insert the contents of standard input under KEY`,
			ArgsUsage: `KEY`,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  `mtime`,
					Usage: `Source mtime to witness at insertion (defaults to now)`,
				},
			},
			Action: func(c *cli.Context) {
				key := requireArg(c, 0, "KEY")
				data, err := readAllStdin()
				if err != nil {
					log.Fatalf("Failed to read standard input: %v", err)
				}

				ch := openCache(c)
				mtime := int64(c.Int(`mtime`))
				if mtime == 0 {
					mtime = time.Now().Unix()
				}

				if err := ch.Insert(key, data, mtime); err != nil {
					log.Fatalf("Insert failed: %v", err)
				}
				log.Infof("Inserted %d bytes under key %q", len(data), key)
			},
		}, {
			Name:      `get`,
			Usage:     `Retrieve the value for KEY and write it to standard output`,
			ArgsUsage: `KEY`,
			Action: func(c *cli.Context) {
				key := requireArg(c, 0, "KEY")
				ch := openCache(c)

				data, found, err := ch.Retrieve(key, 0, nil)
				if err != nil {
					log.Fatalf("Retrieve failed: %v", err)
				}
				if !found {
					log.Fatalf("Miss for key %q", key)
				}
				os.Stdout.Write(data)
			},
		}, {
			Name:      `rm`,
			Usage:     `Remove KEY from the cache`,
			ArgsUsage: `KEY`,
			Action: func(c *cli.Context) {
				key := requireArg(c, 0, "KEY")
				ch := openCache(c)

				if err := ch.Remove(key); err != nil {
					log.Fatalf("Remove failed: %v", err)
				}
				log.Infof("Removed key %q", key)
			},
		}, {
			Name:      `ttl`,
			Usage:     `Get or set the TTL (in seconds) for KEY`,
			ArgsUsage: `KEY [SECONDS]`,
			Action: func(c *cli.Context) {
				key := requireArg(c, 0, "KEY")
				ch := openCache(c)

				if c.NArg() < 2 {
					ttl, found, err := ch.TTL(key)
					if err != nil {
						log.Fatalf("TTL failed: %v", err)
					}
					if !found {
						log.Fatalf("Miss for key %q", key)
					}
					fmt.Println(ttl)
					return
				}

				seconds, err := strconv.Atoi(c.Args().Get(1))
				if err != nil {
					log.Fatalf("Invalid TTL seconds: %v", err)
				}
				if err := ch.SetTTL(key, int32(seconds)); err != nil {
					log.Fatalf("SetTTL failed: %v", err)
				}
			},
		}, {
			Name:  `clear`,
			Usage: `Remove every entry from the cache`,
			Action: func(c *cli.Context) {
				ch := openCache(c)
				if err := ch.Clear(); err != nil {
					log.Fatalf("Clear failed: %v", err)
				}
				log.Infof("Cache cleared")
			},
		}, {
			Name:  `stat`,
			Usage: `Print cache-wide statistics`,
			Action: func(c *cli.Context) {
				ch := openCache(c)
				stats, err := ch.Stats()
				if err != nil {
					log.Fatalf("Stats failed: %v", err)
				}

				fmt.Printf("hits:              %d\n", stats.Hits)
				fmt.Printf("misses:            %d\n", stats.Misses)
				fmt.Printf("buckets:           %d\n", stats.Buckets)
				fmt.Printf("occupied buckets:  %d\n", stats.OccupiedBuckets)
				for _, seg := range stats.Segments {
					fmt.Printf("segment %-4s       %-12s total, %-12s free\n",
						stringutil.ToString(seg.ID),
						stringutil.ToByteString(seg.Total),
						stringutil.ToByteString(seg.Avail),
					)
				}
			},
		},
	}

	app.Run(os.Args)
}

func openCache(c *cli.Context) *cache.Cache {
	cfg := cache.Config{
		Path:        c.GlobalString(`path`),
		Buckets:     c.GlobalInt(`buckets`),
		MaxSegments: c.GlobalInt(`segments`),
		SegmentSize: c.GlobalInt(`segment-size`),
		DefaultTTL:  int32(c.GlobalInt(`ttl`)),
	}

	ch, err := cache.Create(cfg)
	if err != nil {
		log.WithField(`session`, sessionID).Fatalf("Failed to open cache: %v", err)
	}

	switch c.GlobalString(`mode`) {
	case `fast`:
		ch.SetMode(cache.ModeFast)
	default:
		ch.SetMode(cache.ModeSafe)
	}

	return ch
}

func requireArg(c *cli.Context, i int, name string) string {
	if c.NArg() <= i {
		log.Fatalf("Must specify %s", name)
	}
	return c.Args().Get(i)
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
