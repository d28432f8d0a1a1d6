// taglink - PLC tag read/write command
//
// Creates tags from attribute strings or a YAML config, reads or writes
// them, and can run as a small daemon that pushes auto-sync values to
// MQTT/Kafka/Valkey and serves the monitor API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"taglink"
	"taglink/api"
	"taglink/config"
	"taglink/kafka"
	"taglink/logging"
	"taglink/mqtt"
	"taglink/push"
	"taglink/status"
	"taglink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	attrs := flag.String("attrs", "", "tag attribute string, e.g. protocol=ab_eip&gateway=10.0.0.1&path=1,0&plc=lgx&elem_type=DINT&name=Counter")
	write := flag.String("write", "", "value to write instead of reading")
	configPath := flag.String("config", "", "YAML config file; runs the push/monitor daemon")
	timeout := flag.Duration("timeout", 5*time.Second, "operation timeout")
	debug := flag.Int("debug", 0, "debug level 0..5")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("taglink %s (library %d.%d.%d)\n", Version,
			taglink.VersionMajor, taglink.VersionMinor, taglink.VersionPatch)
		return
	}

	logging.SetLevel(*debug)

	switch {
	case *configPath != "":
		runDaemon(*configPath)
	case *attrs != "":
		runOnce(*attrs, *write, *timeout)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runOnce creates one tag and performs a single read or write.
func runOnce(attrs, writeVal string, timeout time.Duration) {
	defer taglink.Shutdown()

	id, err := taglink.Create(attrs, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
		os.Exit(1)
	}

	if writeVal != "" {
		if err := writeValue(id, writeVal); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			os.Exit(1)
		}
		if st := taglink.Write(id, timeout); st != status.OK {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", st)
			os.Exit(1)
		}
		fmt.Println("OK")
		return
	}

	if st := taglink.Read(id, timeout); st != status.OK {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", st)
		os.Exit(1)
	}

	fmt.Println(formatValue(id))
}

// writeValue parses the command-line value into the tag buffer.
func writeValue(id int32, val string) error {
	size, _ := taglink.GetSize(id)

	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		switch size {
		case 1:
			return taglink.SetInt8(id, 0, int8(n)).Err()
		case 2:
			return taglink.SetInt16(id, 0, int16(n)).Err()
		case 8:
			return taglink.SetInt64(id, 0, n).Err()
		default:
			return taglink.SetInt32(id, 0, int32(n)).Err()
		}
	}

	if f, err := strconv.ParseFloat(val, 64); err == nil {
		if size == 8 {
			return taglink.SetFloat64(id, 0, f).Err()
		}
		return taglink.SetFloat32(id, 0, float32(f)).Err()
	}

	return taglink.SetString(id, 0, val).Err()
}

// formatValue renders the tag's decoded value.
func formatValue(id int32) string {
	return fmt.Sprintf("%v", push.DecodeValue(id))
}

// runDaemon creates the configured tags with auto-sync and pushes their
// values to the configured bridges until interrupted.
func runDaemon(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logging.SetLevel(cfg.Debug)
	defer taglink.Shutdown()

	manager := push.NewManager(cfg.Namespace)

	for i := range cfg.MQTT {
		pub := mqtt.NewPublisher(&cfg.MQTT[i])
		if err := pub.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			manager.AddPublisher(pub)
			defer pub.Stop()
		}
	}
	for i := range cfg.Kafka {
		prod := kafka.NewProducer(&cfg.Kafka[i])
		if err := prod.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			manager.AddPublisher(prod)
			defer prod.Stop()
		}
	}
	for i := range cfg.Valkey {
		pub := valkey.NewPublisher(&cfg.Valkey[i])
		if err := pub.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			manager.AddPublisher(pub)
			defer pub.Stop()
		}
	}

	var monitor *api.Server
	if cfg.Monitor.Enabled {
		monitor = api.NewServer(cfg.Monitor.Listen)
		if err := monitor.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			manager.AddPublisher(monitor)
			defer monitor.Stop()
		}
	}

	manager.Start()
	defer manager.Stop()

	createTimeout := cfg.Defaults.CreateTimeout
	if createTimeout == 0 {
		createTimeout = 5 * time.Second
	}

	for i := range cfg.Tags {
		tc := &cfg.Tags[i]
		attribs, err := tc.AttributeString(cfg.Defaults)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}

		id, err := taglink.Create(attribs, createTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tag %q: create failed: %v\n", tc.Name, err)
			continue
		}

		if st := manager.Watch(id, tc.PublishName()); st != status.OK {
			fmt.Fprintf(os.Stderr, "tag %q: watch failed: %v\n", tc.Name, st)
		}
	}

	fmt.Printf("taglink daemon running: %d tags, %d sessions\n",
		taglink.TagCount(), len(taglink.Sessions()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}
