package tracking

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type progressBody struct {
	MotorcycleID int64    `json:"motorcycle_id"`
	RaceID       int64    `json:"race_id"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/samples/:id/progress", authMiddleware, func(c *fiber.Ctx) error {
		sampleID, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid sample id")
		}
		var body progressBody
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if body.MotorcycleID == 0 || body.RaceID == 0 || body.Lat == nil || body.Lon == nil {
			return fiber.NewError(fiber.StatusBadRequest, "motorcycle_id, race_id, lat and lon required")
		}

		p, err := svc.ProjectSample(c.UserContext(), Request{
			SampleID:     sampleID,
			MotorcycleID: body.MotorcycleID,
			RaceID:       body.RaceID,
			Lat:          *body.Lat,
			Lon:          *body.Lon,
		})
		if err != nil {
			return projectionError(err)
		}
		return c.JSON(p)
	})

	r.Post("/backfill", authMiddleware, func(c *fiber.Ctx) error {
		var req BackfillRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		res, err := svc.Backfill(c.UserContext(), req)
		if err != nil {
			return projectionError(err)
		}
		return c.JSON(res)
	})

	r.Get("/motorcycles/:id/progress", func(c *fiber.Ctx) error {
		motorcycleID, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid motorcycle id")
		}
		raceID, err := strconv.ParseInt(c.Query("race_id"), 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "race_id required")
		}

		snap, err := svc.LatestProgress(c.UserContext(), motorcycleID, raceID)
		if err != nil {
			return projectionError(err)
		}
		return c.JSON(snap)
	})
}

func projectionError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidPosition), errors.Is(err, ErrInvalidSelection):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownSubject), errors.Is(err, ErrUnknownSample), errors.Is(err, ErrNoProgress):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrReferenceUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
