// Package api exposes the conversion engine over HTTP. One endpoint
// accepts a statement upload and returns the converted transactions;
// companion endpoints report health and the loaded template set.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/insightdelivered/statement-engine/internal/engine"
	"github.com/insightdelivered/statement-engine/internal/models"
	"github.com/insightdelivered/statement-engine/internal/writer"
)

const Version = "2.0.0"

// maxUploadSize bounds the multipart body.
const maxUploadSize = 32 << 20

// ErrBankRequired is returned through the resolver when detection cannot
// place the document and the request named no bank.
var ErrBankRequired = errors.New("bank could not be detected; pass the bank form field")

// Server holds the handlers and their collaborators. Engine must have a
// nil Sink; the handlers render output themselves.
type Server struct {
	Engine *engine.Engine
}

// ConvertResponse is the JSON shape of a finished conversion.
type ConvertResponse struct {
	Success      bool                         `json:"success"`
	Error        string                       `json:"error,omitempty"`
	Bank         string                       `json:"bank,omitempty"`
	Confidence   float64                      `json:"confidence,omitempty"`
	Outcome      string                       `json:"outcome,omitempty"`
	AccountInfo  *models.AccountInfo          `json:"accountInfo,omitempty"`
	Transactions []models.EnhancedTransaction `json:"transactions"`
	Report       *models.QualityReport        `json:"report,omitempty"`
	Warnings     []models.Warning             `json:"warnings,omitempty"`
	CSV          string                       `json:"csv,omitempty"`
	Count        int                          `json:"count"`
	Version      string                       `json:"version,omitempty"`
}

// RegisterRoutes mounts the API endpoints on the app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/api/health", s.HandleHealth)
	app.Get("/api/banks", s.HandleBanks)
	app.Post("/api/convert", s.HandleConvert)
}

// HandleHealth reports liveness plus the loaded template-set version so
// operators can confirm a reload took.
func (s *Server) HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"engine":    "fiber",
		"version":   Version,
		"templates": s.Engine.Store.Version(),
	})
}

// HandleBanks lists the bank codes of the loaded template set in
// declaration order.
func (s *Server) HandleBanks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"banks":     s.Engine.Store.Codes(),
		"templates": s.Engine.Store.Version(),
	})
}

// HandleConvert runs one uploaded statement through the engine. Form
// fields: file (required), bank (optional code, skips detection), format
// (csv inline in JSON, or xlsx as an attachment), metadata (include
// account rows in the CSV, default true).
func (s *Server) HandleConvert(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "no file uploaded; use form field 'file'")
	}
	if header.Size > maxUploadSize {
		return writeError(c, fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", int64(maxUploadSize)))
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".pdf" && ext != ".txt" {
		return writeError(c, fiber.StatusBadRequest, "only PDF and TXT statements are supported")
	}

	tmp, err := os.CreateTemp("", "statement-*"+ext)
	if err != nil {
		return writeError(c, fiber.StatusInternalServerError, "failed to stage upload")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := c.SaveFile(header, tmpPath); err != nil {
		return writeError(c, fiber.StatusInternalServerError, "failed to save upload")
	}

	pc := models.NewContext(uuid.NewString(), header.Filename)
	pc.Source = tmpPath
	pc.BankHint = c.FormValue("bank")

	// Per-request engine copy: the resolver must fail this request, not
	// block on an operator.
	eng := *s.Engine
	eng.Sink = nil
	eng.ResolveBank = func(*models.Context) (string, error) { return "", ErrBankRequired }

	outcome := eng.Run(c.UserContext(), pc)
	if outcome == models.OutcomeFailure {
		status := fiber.StatusUnprocessableEntity
		msg := "conversion failed"
		if err := errors.Join(pc.Errors...); err != nil {
			msg = err.Error()
			if errors.Is(err, ErrBankRequired) {
				status = fiber.StatusBadRequest
			}
		}
		return writeError(c, status, msg)
	}

	txns := transactionsOf(pc)

	if c.FormValue("format") == "xlsx" {
		var buf bytes.Buffer
		xw := &writer.ExcelWriter{}
		if err := xw.WriteTo(&buf, pc, txns); err != nil {
			return writeError(c, fiber.StatusInternalServerError, fmt.Sprintf("workbook generation failed: %v", err))
		}
		c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Set(fiber.HeaderContentDisposition,
			fmt.Sprintf(`attachment; filename=%q`, outputName(header.Filename, ".xlsx")))
		return c.Send(buf.Bytes())
	}

	var csvBuf bytes.Buffer
	cw := &writer.CSVWriter{IncludeMetadata: c.FormValue("metadata") != "false"}
	if err := cw.WriteTo(&csvBuf, pc, txns); err != nil {
		return writeError(c, fiber.StatusInternalServerError, fmt.Sprintf("CSV generation failed: %v", err))
	}

	var account *models.AccountInfo
	if pc.Account != (models.AccountInfo{}) {
		account = &pc.Account
	}
	var confidence float64
	if det, ok := pc.Snapshot(models.SnapshotDetection); ok {
		confidence = det.(models.Detection).Confidence
	}

	return c.JSON(ConvertResponse{
		Success:      true,
		Bank:         pc.BankCode,
		Confidence:   confidence,
		Outcome:      string(outcome),
		AccountInfo:  account,
		Transactions: txns,
		Report:       pc.Report,
		Warnings:     pc.Warnings,
		CSV:          csvBuf.String(),
		Count:        len(txns),
		Version:      Version,
	})
}

// transactionsOf never returns nil: nil marshals to JSON null, not [].
func transactionsOf(pc *models.Context) []models.EnhancedTransaction {
	if snap, ok := pc.Snapshot(models.SnapshotTransactions); ok {
		if txns, ok := snap.([]models.EnhancedTransaction); ok && txns != nil {
			return txns
		}
	}
	return []models.EnhancedTransaction{}
}

func outputName(upload, ext string) string {
	base := strings.TrimSuffix(filepath.Base(upload), filepath.Ext(upload))
	if base == "" {
		base = "statement"
	}
	return base + ext
}

func writeError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(ConvertResponse{
		Success:      false,
		Error:        msg,
		Transactions: []models.EnhancedTransaction{},
	})
}
