package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"bitbucket.org/mmdatafocus/directory_backend/utils"
	"github.com/shopspring/decimal"
)

// Facility is a directory listing. Only the fields the review-incentive flow
// needs live here; the rest of the listing (categories, photos, map position)
// is managed elsewhere.
type Facility struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Name          string    `gorm:"size:191;not null" json:"name" binding:"required"`
	Email         string    `gorm:"size:191;not null" json:"email" binding:"required"`
	ReviewPageURL string    `gorm:"size:500" json:"review_page_url"`
	// GiftAmount selects which gift code pool this facility draws from.
	// Nil means gift sends are not configured for the facility.
	GiftAmount *decimal.Decimal `gorm:"type:decimal(13,2)" json:"gift_amount"`
	IsActive   *bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFacility struct {
	Name          string           `json:"name" binding:"required"`
	Email         string           `json:"email" binding:"required,email"`
	ReviewPageURL string           `json:"review_page_url"`
	GiftAmount    *decimal.Decimal `json:"gift_amount"`
}

func (input *NewFacility) validate(ctx context.Context) error {
	if !utils.IsValidEmail(input.Email) {
		return errors.New("facility email is invalid")
	}
	if input.GiftAmount != nil && input.GiftAmount.LessThanOrEqual(decimal.Zero) {
		return errors.New("gift amount must be positive")
	}
	return nil
}

func CreateFacility(ctx context.Context, input *NewFacility) (*Facility, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	facility := Facility{
		Name:          input.Name,
		Email:         input.Email,
		ReviewPageURL: input.ReviewPageURL,
		GiftAmount:    input.GiftAmount,
		IsActive:      utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&facility).Error
	if err != nil {
		return nil, err
	}

	return &facility, nil
}

func GetFacility(ctx context.Context, id int) (*Facility, error) {
	db := config.GetDB()
	var facility Facility
	err := db.WithContext(ctx).Where("id = ?", id).First(&facility).Error
	if err != nil {
		return nil, err
	}
	return &facility, nil
}
