// seed-demo creates a demo customer, tailor, and an in-production order so
// the milestone flow can be exercised end to end against a fresh database.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	go run ./cmd/seed-demo
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
	"github.com/stitchbase/atelier_backend/utils"
)

const demoPassword = "atelier-demo"

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	hashed, err := utils.HashPassword(demoPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	customer, err := upsertUser(ctx, db, models.User{
		Name:           "Demo Customer",
		Email:          "customer@demo.atelier",
		Phone:          "+959791234567",
		Role:           models.UserRoleCustomer,
		HashedPassword: string(hashed),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed customer: %v\n", err)
		os.Exit(1)
	}
	tailor, err := upsertUser(ctx, db, models.User{
		Name:           "Demo Tailor",
		Email:          "tailor@demo.atelier",
		Phone:          "+959797654321",
		Role:           models.UserRoleTailor,
		HashedPassword: string(hashed),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed tailor: %v\n", err)
		os.Exit(1)
	}

	order := models.Order{
		OrderNumber: "DEMO-0001",
		CustomerId:  customer.ID,
		TailorId:    tailor.ID,
		TotalAmount: decimal.RequireFromString("1000.00"),
		Status:      models.OrderStatusInProduction,
	}
	var existing models.Order
	err = db.WithContext(ctx).Where("order_number = ?", order.OrderNumber).Take(&existing).Error
	switch err {
	case nil:
		order = existing
	case gorm.ErrRecordNotFound:
		if err := db.WithContext(ctx).Create(&order).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create order: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "failed to lookup order: %v\n", err)
		os.Exit(1)
	}

	customerToken, _ := utils.JwtGenerate(customer.ID, string(customer.Role), customer.Name)
	tailorToken, _ := utils.JwtGenerate(tailor.ID, string(tailor.Role), tailor.Name)

	fmt.Printf("customer id=%d email=%s\n", customer.ID, customer.Email)
	fmt.Printf("tailor   id=%d email=%s\n", tailor.ID, tailor.Email)
	fmt.Printf("order    id=%d number=%s total=%s status=%s\n",
		order.ID, order.OrderNumber, order.TotalAmount.String(), order.Status)
	fmt.Printf("customer token: %s\n", customerToken)
	fmt.Printf("tailor token:   %s\n", tailorToken)
}

func upsertUser(ctx context.Context, db *gorm.DB, u models.User) (*models.User, error) {
	var existing models.User
	err := db.WithContext(ctx).Where("email = ?", u.Email).Take(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	if err := db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
