package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/heysubinoy/pyazcart/api/proto"
)

// normalizeAddr fills in localhost when the address has no host part.
func normalizeAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func main() {
	defaultAddr := os.Getenv("CART_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:9090"
	}
	addr := flag.String("addr", defaultAddr, "gRPC address of the cart leader")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	target := normalizeAddr(*addr)

	// Connect to gRPC server using passthrough resolver for direct address connection
	conn, err := grpc.NewClient("passthrough:///"+target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := proto.NewCartServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "add":
		if len(args) < 3 {
			fmt.Println("Usage: cart-cli add <name> <quantity> [unit_price] [description]")
			os.Exit(1)
		}
		item, err := parseItem(args[1:])
		if err != nil {
			log.Fatalf("Invalid item: %v", err)
		}
		handleAdd(ctx, client, item)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: cart-cli delete <name>")
			os.Exit(1)
		}
		handleDelete(ctx, client, args[1])

	case "list":
		handleList(ctx, client)

	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func parseItem(args []string) (*proto.Item, error) {
	qty, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("quantity %q: %w", args[1], err)
	}
	item := &proto.Item{Name: args[0], Quantity: int32(qty)}
	if len(args) > 2 {
		price, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return nil, fmt.Errorf("unit price %q: %w", args[2], err)
		}
		item.UnitPrice = price
	}
	if len(args) > 3 {
		item.Description = strings.Join(args[3:], " ")
	}
	return item, nil
}

func handleAdd(ctx context.Context, client proto.CartServiceClient, item *proto.Item) {
	if _, err := client.AddItem(ctx, &proto.AddItemRequest{Item: item}); err != nil {
		log.Fatalf("AddItem failed: %v", err)
	}
	fmt.Printf("Added '%s' x%d\n", item.Name, item.Quantity)
}

func handleDelete(ctx context.Context, client proto.CartServiceClient, name string) {
	if _, err := client.DeleteItem(ctx, &proto.DeleteItemRequest{Name: name}); err != nil {
		log.Fatalf("DeleteItem failed: %v", err)
	}
	fmt.Printf("Deleted '%s'\n", name)
}

func handleList(ctx context.Context, client proto.CartServiceClient) {
	resp, err := client.GetItems(ctx, &proto.GetItemsRequest{})
	if err != nil {
		log.Fatalf("GetItems failed: %v", err)
	}
	if len(resp.Items) == 0 {
		fmt.Println("Cart is empty")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tQTY\tUNIT PRICE\tDESCRIPTION")
	for _, it := range resp.Items {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\n", it.Name, it.Quantity, it.UnitPrice, it.Description)
	}
	tw.Flush()
}

func printUsage() {
	fmt.Println("Usage: cart-cli [-addr host:port] <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  add <name> <quantity> [unit_price] [description]   Add or replace an item")
	fmt.Println("  delete <name>                                      Remove an item")
	fmt.Println("  list                                               Show every item in the cart")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CART_ADDR   Default gRPC address (default: 127.0.0.1:9090)")
}
