package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/paulmach/orb"
	"golang.org/x/term"

	"github.com/plantopo/mapsync/fracidx"
	"github.com/plantopo/mapsync/mapsync"
	"github.com/plantopo/mapsync/protocol"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Map sync control.

Connection values are read from the config file (default %s) and
overridden by flags.

Usage:
    syncctl watch [--config=<config>] [--url=<url>] [--token=<token>] [--outbox=<outbox>]
    syncctl create [--config=<config>] [--url=<url>] [--token=<token>] [--outbox=<outbox>]
        --type=<type> [--parent=<parent_id>] [--name=<name>] [--lnglat=<lnglat>]
    syncctl set [--config=<config>] [--url=<url>] [--token=<token>] [--outbox=<outbox>]
        [--layer] <id> <key> <value>
    syncctl delete [--config=<config>] [--url=<url>] [--token=<token>] [--outbox=<outbox>]
        <feature_id>...
    syncctl outbox list [--config=<config>] [--outbox=<outbox>] [<map_id>]
    syncctl outbox clear [--config=<config>] [--outbox=<outbox>] <map_id>
    syncctl idx mid [--before=<index>] [--after=<index>]
    syncctl idx cmp <a> <b>

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --config=<config>         Yaml config file.
    --url=<url>               Sync socket url, e.g. wss://host/ws/<map_id>
    --token=<token>           Sync token jwt.
    --outbox=<outbox>         Outbox file, %s when not configured.
    --type=<type>             group, point, route or routePoint.
    --parent=<parent_id>      Parent feature. The root when omitted.
    --name=<name>
    --lnglat=<lnglat>         Position as lng,lat.
    --layer                   Set a layer property instead of a feature property.
    --before=<index>          Lower neighbour index.
    --after=<index>           Upper neighbour index.`,
		DefaultConfigPath,
		DefaultOutboxPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if idx_, _ := opts.Bool("idx"); idx_ {
		if mid_, _ := opts.Bool("mid"); mid_ {
			idxMid(opts)
		} else if cmp_, _ := opts.Bool("cmp"); cmp_ {
			idxCmp(opts)
		}
		return
	}

	config := requireConfig(opts)

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(config)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(config, opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(config, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteFeatures(config, opts)
	} else if outbox_, _ := opts.Bool("outbox"); outbox_ {
		if list_, _ := opts.Bool("list"); list_ {
			outboxList(config, opts)
		} else if clear_, _ := opts.Bool("clear"); clear_ {
			outboxClear(config, opts)
		}
	}
}

func RequireVersion() string {
	if version := os.Getenv("MAPSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

func requireConfig(opts docopt.Opts) *Config {
	configPath, err := opts.String("--config")
	required := err == nil && configPath != ""
	if !required {
		configPath = DefaultConfigPath
	}
	config, err := LoadConfig(configPath, required)
	if err != nil {
		panic(err)
	}
	config.applyOpts(opts)
	return config
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// one line per record. Json lines when stdout is not a terminal.
func printRecord(human string, record map[string]any) {
	if interactive() {
		fmt.Println(human)
		return
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(recordBytes))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func openClient(ctx context.Context, config *Config) (*mapsync.SyncClient, *mapsync.BoltOutbox) {
	if config.Url == "" || config.Token == "" {
		panic(errors.New("url and token are required"))
	}
	if err := os.MkdirAll(dirOf(config.OutboxPath()), 0700); err != nil {
		panic(err)
	}
	outbox, err := mapsync.OpenBoltOutboxWithDefaults(config.OutboxPath())
	if err != nil {
		panic(err)
	}
	settings, err := config.SyncClientSettings()
	if err != nil {
		panic(err)
	}
	client, err := mapsync.NewSyncClient(
		ctx,
		config.Url,
		config.Token,
		outbox,
		mapsync.NewWsDialerWithDefaults(),
		settings,
	)
	if err != nil {
		outbox.Close()
		panic(err)
	}
	client.AddReloadCallback(func(code protocol.ErrorCode, description string) {
		fmt.Fprintf(os.Stderr, "server rejected the token (%s): %s\n", code, description)
	})
	return client, outbox
}

func dirOf(path string) string {
	if i := strings.LastIndex(path, string(os.PathSeparator)); 0 <= i {
		return path[:i]
	}
	return "."
}

func watch(config *Config) {
	ctx, cancel := signalContext()
	defer cancel()

	client, outbox := openClient(ctx, config)
	defer outbox.Close()
	defer client.Close()

	for {
		notify := client.NotifyChannel()

		status := client.Status()
		var featureCount int
		var layerCount int
		var peerCount int
		client.Do(func(engine *mapsync.Engine) {
			snapshot := engine.Snapshot()
			featureCount = len(snapshot.Features)
			layerCount = len(snapshot.Layers)
			peerCount = len(snapshot.Peers)
		})
		pendingCount, err := client.PendingCount()
		if err != nil {
			return
		}

		printRecord(
			fmt.Sprintf(
				"%s %s features=%d layers=%d peers=%d pending=%d",
				time.Now().Format(time.TimeOnly),
				status,
				featureCount,
				layerCount,
				peerCount,
				pendingCount,
			),
			map[string]any{
				"status":   status.Type.String(),
				"features": featureCount,
				"layers":   layerCount,
				"peers":    peerCount,
				"pending":  pendingCount,
			},
		)

		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-notify:
		}
	}
}

// dispatches `action` and waits until every pending delta is confirmed
func dispatchAndWait(config *Config, action mapsync.Action) mapsync.Id {
	ctx, cancel := signalContext()
	defer cancel()

	client, outbox := openClient(ctx, config)
	defer outbox.Close()
	defer client.Close()

	id, err := client.Dispatch(action)
	if err != nil {
		panic(err)
	}

	timeout := time.After(config.ConfirmTimeoutDuration())
	for {
		notify := client.NotifyChannel()
		pendingCount, err := client.PendingCount()
		if err != nil || pendingCount == 0 {
			return id
		}
		select {
		case <-ctx.Done():
			return id
		case <-timeout:
			fmt.Fprintf(os.Stderr, "not confirmed, kept in the outbox (%s)\n", client.Status())
			return id
		case <-notify:
		}
	}
}

func create(config *Config, opts docopt.Opts) {
	typeStr, _ := opts.String("--type")
	featureType := protocol.FeatureType(typeStr)
	if !featureType.Valid() {
		panic(fmt.Errorf("unknown type %s", typeStr))
	}
	parentId, _ := opts.String("--parent")

	props := map[string]any{}
	if name, err := opts.String("--name"); err == nil && name != "" {
		props[protocol.KeyName] = name
	}
	if lngLatStr, err := opts.String("--lnglat"); err == nil && lngLatStr != "" {
		lngLat, err := parseLngLat(lngLatStr)
		if err != nil {
			panic(err)
		}
		props[protocol.KeyLngLat] = lngLat
	}

	action := &mapsync.CreateFeatureAction{
		Type: featureType,
		Place: mapsync.InsertPlace{
			Kind:   mapsync.PlaceLastChild,
			Target: protocol.FeatureId(parentId),
		},
		Props: props,
	}
	id := dispatchAndWait(config, action)
	printRecord(
		fmt.Sprintf("created %s (%s)", action.Id, id),
		map[string]any{
			"feature_id": string(action.Id),
			"delta_ts":   id.String(),
		},
	)
}

func parseLngLat(lngLatStr string) (orb.Point, error) {
	parts := strings.Split(lngLatStr, ",")
	if len(parts) != 2 {
		return orb.Point{}, fmt.Errorf("lnglat must be lng,lat: %s", lngLatStr)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return orb.Point{}, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return orb.Point{}, err
	}
	if lng < -180 || 180 < lng || lat < -90 || 90 < lat {
		return orb.Point{}, fmt.Errorf("lnglat out of range: %s", lngLatStr)
	}
	return orb.Point{lng, lat}, nil
}

func set(config *Config, opts docopt.Opts) {
	id, _ := opts.String("<id>")
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")
	value, err := ParseValue(valueStr)
	if err != nil {
		panic(err)
	}

	var action mapsync.Action
	if layer_, _ := opts.Bool("--layer"); layer_ {
		action = &mapsync.SetLayerPropertyAction{
			Id:    protocol.LayerId(id),
			Key:   key,
			Value: value,
		}
	} else {
		action = &mapsync.SetFeaturePropertyAction{
			Id:    protocol.FeatureId(id),
			Key:   key,
			Value: value,
		}
	}
	deltaId := dispatchAndWait(config, action)
	printRecord(
		fmt.Sprintf("set %s %s = %v (%s)", id, key, value, deltaId),
		map[string]any{
			"id":       id,
			"key":      key,
			"delta_ts": deltaId.String(),
		},
	)
}

func deleteFeatures(config *Config, opts docopt.Opts) {
	ids := []protocol.FeatureId{}
	for _, id := range opts["<feature_id>"].([]string) {
		ids = append(ids, protocol.FeatureId(id))
	}
	deltaId := dispatchAndWait(config, &mapsync.DeleteFeaturesAction{
		Ids: ids,
	})
	printRecord(
		fmt.Sprintf("deleted %d (%s)", len(ids), deltaId),
		map[string]any{
			"deleted":  len(ids),
			"delta_ts": deltaId.String(),
		},
	)
}

func outboxList(config *Config, opts docopt.Opts) {
	outbox, err := mapsync.OpenBoltOutboxWithDefaults(config.OutboxPath())
	if err != nil {
		panic(err)
	}
	defer outbox.Close()

	var mapIds []string
	if mapId, err := opts.String("<map_id>"); err == nil && mapId != "" {
		mapIds = []string{mapId}
	} else {
		mapIds, err = outbox.MapIds()
		if err != nil {
			panic(err)
		}
	}

	for _, mapId := range mapIds {
		entries, err := outbox.Load(mapId)
		if err != nil {
			panic(err)
		}
		for _, entry := range entries {
			opNames := []string{}
			if message, err := protocol.DecodeFrame(entry.Sync); err == nil {
				if deltaMessage, ok := message.(*protocol.DeltaMessage); ok {
					for _, op := range deltaMessage.Delta.Ops {
						opNames = append(opNames, op.OpName())
					}
				}
			}
			printRecord(
				fmt.Sprintf("%s %s %d bytes [%s]", mapId, entry.Ts, len(entry.Sync), strings.Join(opNames, " ")),
				map[string]any{
					"map_id": mapId,
					"ts":     entry.Ts,
					"bytes":  len(entry.Sync),
					"ops":    opNames,
				},
			)
		}
	}
}

func outboxClear(config *Config, opts docopt.Opts) {
	mapId, _ := opts.String("<map_id>")
	outbox, err := mapsync.OpenBoltOutboxWithDefaults(config.OutboxPath())
	if err != nil {
		panic(err)
	}
	defer outbox.Close()

	removed, err := outbox.Clear(mapId)
	if err != nil {
		panic(err)
	}
	printRecord(
		fmt.Sprintf("cleared %d entries for %s", removed, mapId),
		map[string]any{
			"map_id":  mapId,
			"cleared": removed,
		},
	)
}

func indexOpt(opts docopt.Opts, key string, empty fracidx.Index) fracidx.Index {
	if indexStr, err := opts.String(key); err == nil && indexStr != "" {
		index := fracidx.Index(indexStr)
		if err := fracidx.Validate(index); err != nil {
			panic(err)
		}
		return index
	}
	return empty
}

func idxMid(opts docopt.Opts) {
	before := indexOpt(opts, "--before", fracidx.BeforeFirst)
	after := indexOpt(opts, "--after", fracidx.AfterLast)
	mid, err := fracidx.Mid(before, after)
	if err != nil {
		panic(err)
	}
	printRecord(
		fmt.Sprintf("%s (%s)", mid, fracidx.Rational(mid)),
		map[string]any{
			"index":    mid.String(),
			"rational": fracidx.Rational(mid),
		},
	)
}

func idxCmp(opts docopt.Opts) {
	aStr, _ := opts.String("<a>")
	bStr, _ := opts.String("<b>")
	c, err := fracidx.Cmp(fracidx.Index(aStr), fracidx.Index(bStr))
	if err != nil && !errors.Is(err, fracidx.ErrEqual) {
		panic(err)
	}
	printRecord(
		strconv.Itoa(c),
		map[string]any{
			"cmp": c,
		},
	)
}
