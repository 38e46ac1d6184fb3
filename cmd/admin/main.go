package main

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func usage() {
	fmt.Println("Usage: admin <command> [args]")
	fmt.Println("  rooms [status...]          list rooms (default: pending active)")
	fmt.Println("  close-room <room_id>       end an active chat as the admin")
	fmt.Println("  cleanup-unavailability     remove expired doctor unavailability")
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	// Only the publisher side is needed; sessions also pick changes up by polling.
	var (
		feed changefeed.Publisher
		rdb  *redis.Client
	)
	switch cfg.FeedDriver {
	case "redis":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		feed = changefeed.NewRedisFeed(rdb)
	case "postgres":
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatalf("failed to open postgres handle: %v", err)
		}
		feed = changefeed.NewPostgresFeed(sqlDB, cfg.DatabaseURL)
	}

	storageSvc := storage.NewStorageService(db, rdb, feed)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	command := os.Args[1]

	switch command {
	case "rooms":
		statuses := []models.RoomStatus{models.RoomPending, models.RoomActive}
		if len(os.Args) > 2 {
			statuses = statuses[:0]
			for _, arg := range os.Args[2:] {
				statuses = append(statuses, models.RoomStatus(strings.ToLower(arg)))
			}
		}
		if err := listRooms(ctx, storageSvc, statuses); err != nil {
			log.Fatalf("Error listing rooms: %v", err)
		}
	case "close-room":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin close-room <room_id>")
			os.Exit(1)
		}
		roomID := os.Args[2]
		if err := storageSvc.SetRoomStatus(ctx, roomID, models.RoomEnded, models.RoleAdmin); err != nil {
			log.Fatalf("Error closing room: %v", err)
		}
		fmt.Printf("Room %s has been ended.\n", roomID)
	case "cleanup-unavailability":
		result, err := storageSvc.CleanupExpiredUnavailability(ctx, time.Now())
		if err != nil {
			log.Fatalf("Error cleaning up unavailability: %v", err)
		}
		fmt.Printf("Cleaned up %d expired unavailability records, %d doctors available again\n",
			result.Cleaned, result.UpdatedDoctors)
	default:
		fmt.Println("Unknown command")
		usage()
		os.Exit(1)
	}
}

func listRooms(ctx context.Context, s storage.Storage, statuses []models.RoomStatus) error {
	rooms, err := s.ListRoomsByStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tPATIENT\tSTATUS\tVERSION\tCREATED")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.RoomID, r.PatientName, r.Status, r.Version, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
