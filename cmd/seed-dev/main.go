// seed-dev creates a demo facility and a small gift code pool for local
// development, so the whole flow (submit check, verify, approve, send) can be
// exercised against a fresh database.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	facilityName  = "Demo Clinic"
	facilityEmail = "owner@demo-clinic.test"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	amount := decimal.NewFromInt(25)

	var existing models.Facility
	err := db.WithContext(ctx).Where("name = ?", facilityName).First(&existing).Error
	switch {
	case err == nil:
		fmt.Printf("facility %q already exists (id=%d)\n", facilityName, existing.ID)
	case err == gorm.ErrRecordNotFound:
		facility, cErr := models.CreateFacility(ctx, &models.NewFacility{
			Name:          facilityName,
			Email:         facilityEmail,
			ReviewPageURL: "https://maps.example.com/place/demo-clinic",
			GiftAmount:    &amount,
		})
		if cErr != nil {
			fmt.Fprintf(os.Stderr, "failed to create facility: %v\n", cErr)
			os.Exit(1)
		}
		fmt.Printf("created facility %q (id=%d)\n", facility.Name, facility.ID)
	default:
		fmt.Fprintf(os.Stderr, "failed to lookup facility: %v\n", err)
		os.Exit(1)
	}

	codes := make([]models.NewGiftCode, 0, 10)
	for i := 1; i <= 10; i++ {
		codes = append(codes, models.NewGiftCode{
			Code:   fmt.Sprintf("DEMO-25-%04d", i),
			Amount: amount,
		})
	}
	imported, skipped, err := models.ImportGiftCodes(ctx, codes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to import gift codes: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("gift codes: %d imported, %d already present\n", imported, skipped)
}
