package main

import (
	"context"
	"errors"
	"fmt"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/client"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/httpapi"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/service"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/store"
	acommon "github.com/textileio/dutch-auction/common"
	mbroker "github.com/textileio/dutch-auction/msgbroker"
	"github.com/textileio/dutch-auction/msgbroker/gpubsub"
	"github.com/textileio/cli"
	"github.com/textileio/go-libp2p-pubsub-rpc/finalizer"
	golog "github.com/textileio/go-log/v2"
)

var (
	daemonName        = "auctioneerd"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+daemonName)
	log               = golog.Logger(daemonName)
	v                 = viper.New()
)

func init() {
	daemonFlags := []cli.Flag{
		{Name: "http-addr", DefValue: ":8888", Description: "HTTP API listen address"},
		{Name: "repo", DefValue: "", Description: "Badger datastore path, empty keeps state in memory"},
		{Name: "allow-expired-purchase", DefValue: false, Description: "Accept purchases after the auction duration at zero price"},
		{Name: "ledger-operator", DefValue: "", Description: "Account address allowed to move approved assets"},
		{Name: "ledger-genesis", DefValue: "", Description: "Comma separated initial ledger entries"},
		{Name: "msgbroker", DefValue: "none", Description: "Message broker for auction events (none, gpubsub)"},
		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "gpubsub-topic-prefix", DefValue: "", Description: "Topic prefix to use for msg broker topics"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
	}
	clientFlags := []cli.Flag{
		{Name: "api-addr", DefValue: "http://127.0.0.1:8888", Description: "Auctioneer HTTP API address"},
		{Name: "key", DefValue: "", Description: "Hex encoded secp256k1 private key used to sign requests"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	cobra.OnInitialize(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			cli.CheckErrf("loading .env: %v", err)
		}
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("AUCTIONEER_PATH"))
		v.AddConfigPath(defaultConfigPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				cli.CheckErrf("reading configuration: %v", err)
			}
		}
	})

	cli.ConfigureCLI(v, "AUCTIONEER", daemonFlags, daemonCmd.Flags())
	cli.ConfigureCLI(v, "AUCTIONEER", clientFlags, rootCmd.PersistentFlags())

	rootCmd.AddCommand(daemonCmd, startCmd, priceCmd, buyCmd, auctionCmd, settlementCmd, listCmd, keygenCmd)
	listCmd.Flags().Int("limit", 20, "Max number of auctions to list")
	listCmd.Flags().String("offset", "", "Auction id to start listing from")
	listCmd.Flags().Bool("asc", false, "List oldest auctions first")
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "auctioneerd runs reverse dutch auctions of token lots",
	Long:  "auctioneerd runs reverse dutch auctions of token lots",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cli.ExpandEnvVars(v, v.AllSettings())
		err := cli.ConfigureLogging(v, []string{
			daemonName,
			"auctioneer",
			"auctioneer/api",
			"auctioneer/service",
			"auctioneer/store",
			"auctioneer/ledger",
			"gpubsub",
		})
		cli.CheckErrf("setting log levels: %v", err)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auctioneer daemon",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		settings, err := cli.MarshalConfig(v, !v.GetBool("log-json"), "gpubsub-api-key", "key")
		cli.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		if err := acommon.SetupInstrumentation(v.GetString("metrics-addr")); err != nil {
			log.Fatalf("booting instrumentation: %s", err)
		}

		fin := finalizer.NewFinalizer()

		var mb mbroker.MsgBroker
		switch v.GetString("msgbroker") {
		case "", "none":
		case "gpubsub":
			projectID := v.GetString("gpubsub-project-id")
			apiKey := v.GetString("gpubsub-api-key")
			topicPrefix := v.GetString("gpubsub-topic-prefix")
			gmb, err := gpubsub.New(projectID, apiKey, topicPrefix, daemonName)
			cli.CheckErrf("creating msgbroker: %v", err)
			fin.Add(gmb)
			mb = gmb
		default:
			log.Fatalf("unknown msgbroker: %s", v.GetString("msgbroker"))
		}

		operator, err := parseOptionalAddress(v.GetString("ledger-operator"))
		cli.CheckErrf("parsing ledger operator: %v", err)

		serv, err := service.New(service.Config{
			RepoPath: v.GetString("repo"),
			HTTPAddr: v.GetString("http-addr"),
			Auction: auctioneer.Config{
				AllowExpiredPurchase: v.GetBool("allow-expired-purchase"),
			},
			LedgerOperator: operator,
			LedgerGenesis:  splitList(v.GetString("ledger-genesis")),
		}, mb)
		cli.CheckErrf("starting service: %v", err)

		cli.HandleInterrupt(func() {
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
			if err := fin.Cleanup(nil); err != nil {
				log.Errorf("closing message broker: %s", err)
			}
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <asset-id> <initial-price> <duration-secs> <quantity>",
	Short: "Start an auction selling quantity of asset-id",
	Args:  cobra.ExactArgs(4),
	Run: func(c *cobra.Command, args []string) {
		if !common.IsHexAddress(args[0]) {
			log.Fatalf("invalid asset id: %s", args[0])
		}
		initialPrice, err := httpapi.ParseAmount(args[1])
		cli.CheckErrf("parsing initial price: %v", err)
		duration, err := strconv.ParseUint(args[2], 10, 64)
		cli.CheckErrf("parsing duration: %v", err)
		quantity, err := httpapi.ParseAmount(args[3])
		cli.CheckErrf("parsing quantity: %v", err)

		clt := newClient(true)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a, err := clt.StartAuction(ctx, clt.Address(), common.HexToAddress(args[0]), initialPrice, duration, quantity)
		cli.CheckErrf("starting auction: %v", err)
		printAuction(a)
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Print the current auction price",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		q, err := newClient(false).CurrentPrice(ctx)
		cli.CheckErrf("getting price: %v", err)
		fmt.Printf("auction %s (%s): %s at %s\n", q.AuctionID, q.Status, core.FormatAmount(q.Price), q.At.Format(time.RFC3339))
	},
}

var buyCmd = &cobra.Command{
	Use:   "buy <max-payment>",
	Short: "Buy the current lot paying at most max-payment",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		payment, err := httpapi.ParseAmount(args[0])
		cli.CheckErrf("parsing payment: %v", err)

		clt := newClient(true)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		st, err := clt.BuyTokens(ctx, clt.Address(), payment)
		cli.CheckErrf("buying tokens: %v", err)
		printSettlement(st)
	},
}

var auctionCmd = &cobra.Command{
	Use:   "auction <id>",
	Short: "Print an auction",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a, err := newClient(false).GetAuction(ctx, core.AuctionID(args[0]))
		cli.CheckErrf("getting auction: %v", err)
		printAuction(a)
	},
}

var settlementCmd = &cobra.Command{
	Use:   "settlement <auction-id>",
	Short: "Print the settlement of a sold auction",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		st, err := newClient(false).GetSettlement(ctx, core.AuctionID(args[0]))
		cli.CheckErrf("getting settlement: %v", err)
		printSettlement(st)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List auctions",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		limit, err := c.Flags().GetInt("limit")
		cli.CheckErr(err)
		offset, err := c.Flags().GetString("offset")
		cli.CheckErr(err)
		asc, err := c.Flags().GetBool("asc")
		cli.CheckErr(err)
		query := store.Query{Offset: offset, Limit: limit, Order: store.OrderDescending}
		if asc {
			query.Order = store.OrderAscending
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		list, err := newClient(false).ListAuctions(ctx, query)
		cli.CheckErrf("listing auctions: %v", err)
		for i := range list {
			printAuction(&list[i])
		}
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new secp256k1 key",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		sk, err := crypto.GenerateKey()
		cli.CheckErrf("generating key: %v", err)
		fmt.Printf("key:     %s\n", hexutil.Encode(crypto.FromECDSA(sk))[2:])
		fmt.Printf("address: %s\n", crypto.PubkeyToAddress(sk.PublicKey).Hex())
	},
}

func newClient(signed bool) *client.Client {
	addr := v.GetString("api-addr")
	keyHex := strings.TrimPrefix(v.GetString("key"), "0x")
	if keyHex == "" {
		if signed {
			log.Fatal("--key is required for this command")
		}
		return client.New(addr, nil)
	}
	sk, err := crypto.HexToECDSA(keyHex)
	cli.CheckErrf("parsing key: %v", err)
	return client.New(addr, sk)
}

func printAuction(a *core.Auction) {
	fmt.Printf("auction %s\n", a.ID)
	fmt.Printf("  status:        %s\n", a.Status)
	fmt.Printf("  asset:         %s\n", a.AssetID.Hex())
	fmt.Printf("  seller:        %s\n", a.Seller.Hex())
	fmt.Printf("  quantity:      %s\n", core.FormatAmount(a.Quantity))
	fmt.Printf("  initial price: %s\n", core.FormatAmount(a.InitialPrice))
	fmt.Printf("  started:       %s (%s)\n", a.StartedAt.Format(time.RFC3339), humanize.Time(a.StartedAt))
	fmt.Printf("  duration:      %ds\n", a.Duration)
	if a.Status == core.AuctionStatusSold {
		fmt.Printf("  buyer:         %s\n", a.Buyer.Hex())
		fmt.Printf("  price paid:    %s\n", core.FormatAmount(a.PricePaid))
		fmt.Printf("  sold:          %s\n", a.SoldAt.Format(time.RFC3339))
	}
}

func printSettlement(st *core.Settlement) {
	fmt.Printf("settlement of auction %s\n", st.AuctionID)
	fmt.Printf("  asset:      %s\n", st.AssetID.Hex())
	fmt.Printf("  seller:     %s\n", st.Seller.Hex())
	fmt.Printf("  buyer:      %s\n", st.Buyer.Hex())
	fmt.Printf("  quantity:   %s\n", core.FormatAmount(st.Quantity))
	fmt.Printf("  price paid: %s\n", core.FormatAmount(st.PricePaid))
	fmt.Printf("  offered:    %s\n", core.FormatAmount(st.Offered))
	fmt.Printf("  settled:    %s\n", st.SettledAt.Format(time.RFC3339))
}

func parseOptionalAddress(s string) (common.Address, error) {
	if s == "" {
		log.Warn("no ledger operator configured, using the zero address")
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %s", s)
	}
	return common.HexToAddress(s), nil
}

func splitList(s string) []string {
	var res []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			res = append(res, e)
		}
	}
	return res
}

func main() {
	cli.CheckErr(rootCmd.Execute())
}
