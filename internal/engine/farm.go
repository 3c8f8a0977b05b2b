package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"cropmind/internal/domain"
	"cropmind/internal/repo"
)

type LoginInput struct {
	Email string
	Name  string
}

// Login finds or creates the user behind an email address.
func (e Engine) Login(ctx context.Context, in LoginInput) (domain.User, bool, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return domain.User{}, false, err
	}
	var (
		user    domain.User
		created bool
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		user, created, err = e.findOrCreateUser(ctx, tx, email, strings.TrimSpace(in.Name), "")
		return err
	})
	if err != nil {
		return domain.User{}, false, err
	}
	if created {
		e.logger().Info("user created", zap.String("user_id", user.ID))
	}
	return user, created, nil
}

func (e Engine) findOrCreateUser(ctx context.Context, tx *sqlx.Tx, email, name, language string) (domain.User, bool, error) {
	u, err := e.Repo.GetUserByEmailTx(ctx, tx, email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, err
	}
	if language == "" {
		language = e.DefaultLanguage()
	}
	ts := domain.FormatTime(e.now())
	u = domain.User{
		ID:                uuid.NewString(),
		Email:             email,
		Name:              name,
		PreferredLanguage: language,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, false, fmt.Errorf("insert user: %w", err)
	}
	return u, true, nil
}

type OnboardInput struct {
	Email             string
	Crop              string
	SowingDate        string
	State             string
	District          string
	Village           string
	Latitude          *float64
	Longitude         *float64
	PreferredLanguage string
}

type OnboardResult struct {
	FarmID   string
	User     domain.User
	Stage    string
	DayCount int
}

// Onboard creates or replaces the user's farm and seeds its state.
func (e Engine) Onboard(ctx context.Context, in OnboardInput) (OnboardResult, error) {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return OnboardResult{}, err
	}
	crop, err := e.Catalog.Crop(in.Crop)
	if err != nil {
		return OnboardResult{}, err
	}
	sowing, err := parseDate(in.SowingDate)
	if err != nil {
		return OnboardResult{}, err
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return OnboardResult{}, &InputError{Field: "latitude", Reason: "latitude and longitude must be given together"}
	}
	snap, err := e.Catalog.Snapshot(crop.Name, sowing, e.now())
	if err != nil {
		return OnboardResult{}, err
	}
	ts := domain.FormatTime(e.now())
	farm := domain.FarmProfile{
		ID:         uuid.NewString(),
		CropType:   crop.Name,
		SowingDate: sowing.Format(domain.DateLayout),
		State:      strings.TrimSpace(in.State),
		District:   strings.TrimSpace(in.District),
		Village:    strings.TrimSpace(in.Village),
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	var (
		user  domain.User
		alert *domain.Alert
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		language := strings.TrimSpace(in.PreferredLanguage)
		u, created, err := e.findOrCreateUser(ctx, tx, email, e.DefaultName(), language)
		if err != nil {
			return err
		}
		if !created && language != "" && language != u.PreferredLanguage {
			u.PreferredLanguage = language
			u.UpdatedAt = ts
			if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
				return fmt.Errorf("update user: %w", err)
			}
		}
		user = u
		farm.UserID = u.ID
		if err := e.Repo.ReplaceFarm(ctx, tx, farm); err != nil {
			return fmt.Errorf("store farm: %w", err)
		}
		state := domain.FarmState{
			FarmID:       farm.ID,
			CurrentStage: snap.CurrentLabel(),
			DayCount:     snap.DayCount,
			LastAction:   fmt.Sprintf("Initial setup completed. Welcome to %s!", e.appName()),
			UpdatedAt:    ts,
		}
		if err := e.Repo.UpsertFarmState(ctx, tx, state); err != nil {
			return fmt.Errorf("store farm state: %w", err)
		}
		if snap.Current != nil {
			a, err := e.writer().StageChanged(ctx, tx, farm.ID, crop.Name, snap.Current.Label)
			if err != nil {
				return err
			}
			alert = &a
		}
		return nil
	})
	if err != nil {
		return OnboardResult{}, err
	}
	if alert != nil {
		e.countAlert(*alert)
	}
	e.logger().Info("farm onboarded",
		zap.String("farm_id", farm.ID), zap.String("crop", crop.Name), zap.Int("day_count", snap.DayCount))
	return OnboardResult{FarmID: farm.ID, User: user, Stage: snap.CurrentLabel(), DayCount: snap.DayCount}, nil
}

type UserInfo struct {
	Name              string
	Email             string
	CropType          string
	HasFarmProfile    bool
	PreferredLanguage string
}

func (e Engine) UserInfo(ctx context.Context, email string) (UserInfo, error) {
	u, f, err := e.userFarm(ctx, email)
	if err != nil && !errors.Is(err, ErrNoFarmProfile) {
		return UserInfo{}, err
	}
	info := UserInfo{
		Name:              u.Name,
		Email:             u.Email,
		PreferredLanguage: u.PreferredLanguage,
	}
	if info.Name == "" {
		info.Name = e.DefaultName()
	}
	if info.PreferredLanguage == "" {
		info.PreferredLanguage = e.DefaultLanguage()
	}
	if err == nil {
		info.HasFarmProfile = true
		info.CropType = f.CropType
	}
	return info, nil
}

type Profile struct {
	User           domain.User
	HasFarmProfile bool
	Farm           domain.FarmProfile
}

func (e Engine) Profile(ctx context.Context, email string) (Profile, error) {
	u, f, err := e.userFarm(ctx, email)
	if errors.Is(err, ErrNoFarmProfile) {
		return Profile{User: u}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: u, HasFarmProfile: true, Farm: f}, nil
}

// ProfileUpdate holds optional fields; nil leaves a value unchanged.
type ProfileUpdate struct {
	Name              *string
	PreferredLanguage *string
	State             *string
	District          *string
	Village           *string
}

// UpdateProfile applies a partial update. Farm fields are ignored when the
// user has no farm.
func (e Engine) UpdateProfile(ctx context.Context, email string, upd ProfileUpdate) (Profile, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Profile{}, err
	}
	if upd.PreferredLanguage != nil && strings.TrimSpace(*upd.PreferredLanguage) == "" {
		return Profile{}, &InputError{Field: "preferred_language", Reason: "must not be empty"}
	}
	ts := domain.FormatTime(e.now())
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		u, err := e.Repo.GetUserByEmailTx(ctx, tx, email)
		if err != nil {
			return err
		}
		if upd.Name != nil || upd.PreferredLanguage != nil {
			if upd.Name != nil {
				u.Name = strings.TrimSpace(*upd.Name)
			}
			if upd.PreferredLanguage != nil {
				u.PreferredLanguage = strings.TrimSpace(*upd.PreferredLanguage)
			}
			u.UpdatedAt = ts
			if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
				return err
			}
		}
		if upd.State == nil && upd.District == nil && upd.Village == nil {
			return nil
		}
		f, err := e.Repo.GetFarmByUserTx(ctx, tx, u.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if upd.State != nil {
			f.State = strings.TrimSpace(*upd.State)
		}
		if upd.District != nil {
			f.District = strings.TrimSpace(*upd.District)
		}
		if upd.Village != nil {
			f.Village = strings.TrimSpace(*upd.Village)
		}
		f.UpdatedAt = ts
		return e.Repo.UpdateFarmLocation(ctx, tx, f)
	})
	if err != nil {
		return Profile{}, err
	}
	return e.Profile(ctx, email)
}
