package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hachiko-io/waflow/ai/knowledge"
	"github.com/hachiko-io/waflow/store"
)

type KnowledgeService struct {
	Store      *store.Store
	Backfiller *knowledge.Backfiller
}

func (s *KnowledgeService) Register(g *echo.Group) {
	g.POST("/knowledge-bases", s.CreateKnowledgeBase)
	g.GET("/knowledge-bases", s.ListKnowledgeBases)
	g.GET("/knowledge-bases/:uid", s.GetKnowledgeBase)
	g.PATCH("/knowledge-bases/:uid", s.UpdateKnowledgeBase)
	g.DELETE("/knowledge-bases/:uid", s.DeleteKnowledgeBase)
	g.POST("/knowledge-bases/:uid/documents", s.CreateDocument)
	g.GET("/knowledge-bases/:uid/documents", s.ListDocuments)
	g.DELETE("/knowledge-bases/:uid/documents/:docId", s.DeleteDocument)
}

type createKnowledgeBaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateKnowledgeBaseRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type knowledgeBaseResponse struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedTs   int64  `json:"createdTs"`
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type documentResponse struct {
	Title      string `json:"title"`
	ID         int64  `json:"id"`
	ChunkCount int32  `json:"chunkCount"`
	CreatedTs  int64  `json:"createdTs"`
}

func (s *KnowledgeService) CreateKnowledgeBase(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req createKnowledgeBaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	kb, err := s.Store.CreateKnowledgeBase(ctx, &store.KnowledgeBase{
		UID:         shortuuid.New(),
		CreatorID:   userID,
		Name:        req.Name,
		Description: req.Description,
		CreatedTs:   time.Now().Unix(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create knowledge base")
	}
	return c.JSON(http.StatusOK, convertKnowledgeBase(kb))
}

func (s *KnowledgeService) ListKnowledgeBases(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	bases, err := s.Store.ListKnowledgeBases(ctx, &store.FindKnowledgeBase{CreatorID: &userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list knowledge bases")
	}
	list := make([]*knowledgeBaseResponse, 0, len(bases))
	for _, kb := range bases {
		list = append(list, convertKnowledgeBase(kb))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *KnowledgeService) GetKnowledgeBase(c echo.Context) error {
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertKnowledgeBase(kb))
}

func (s *KnowledgeService) UpdateKnowledgeBase(c echo.Context) error {
	ctx := c.Request().Context()
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}

	var req updateKnowledgeBaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	update := &store.UpdateKnowledgeBase{ID: kb.ID}
	if req.Name != nil {
		if *req.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "name cannot be empty")
		}
		update.Name = req.Name
	}
	if req.Description != nil {
		update.Description = req.Description
	}
	if update.Name == nil && update.Description == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	updated, err := s.Store.UpdateKnowledgeBase(ctx, update)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update knowledge base")
	}
	return c.JSON(http.StatusOK, convertKnowledgeBase(updated))
}

func (s *KnowledgeService) DeleteKnowledgeBase(c echo.Context) error {
	ctx := c.Request().Context()
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteKnowledgeBase(ctx, &store.DeleteKnowledgeBase{ID: kb.ID}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete knowledge base")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// CreateDocument chunks the markdown synchronously and stores document and
// chunk rows in one transaction. Embeddings are backfilled by the pipeline
// worker, which gets kicked so fresh chunks don't wait for the next tick.
func (s *KnowledgeService) CreateDocument(c echo.Context) error {
	ctx := c.Request().Context()
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}

	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Title == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and content are required")
	}

	chunks := knowledge.ChunkMarkdown(req.Content)
	if len(chunks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "content produced no chunks")
	}

	doc, err := s.Store.CreateDocumentWithChunks(ctx, &store.Document{
		KBID:      kb.ID,
		Title:     req.Title,
		Content:   req.Content,
		CreatedTs: time.Now().Unix(),
	}, chunks)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store document")
	}
	s.Backfiller.Kick()

	return c.JSON(http.StatusOK, convertDocument(doc))
}

func (s *KnowledgeService) ListDocuments(c echo.Context) error {
	ctx := c.Request().Context()
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}

	limit, _ := pagination(c, 100, 500)
	documents, err := s.Store.ListDocuments(ctx, &store.FindDocument{KBID: &kb.ID, Limit: &limit})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list documents")
	}
	list := make([]*documentResponse, 0, len(documents))
	for _, doc := range documents {
		list = append(list, convertDocument(doc))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *KnowledgeService) DeleteDocument(c echo.Context) error {
	ctx := c.Request().Context()
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}

	docID, err := strconv.ParseInt(c.Param("docId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	documents, err := s.Store.ListDocuments(ctx, &store.FindDocument{ID: &docID, KBID: &kb.ID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load document")
	}
	if len(documents) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}

	if err := s.Store.DeleteDocument(ctx, &store.DeleteDocument{ID: docID}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete document")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *KnowledgeService) resolveKnowledgeBase(c echo.Context) (*store.KnowledgeBase, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}
	uid := c.Param("uid")
	bases, err := s.Store.ListKnowledgeBases(c.Request().Context(), &store.FindKnowledgeBase{UID: &uid, CreatorID: &userID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load knowledge base")
	}
	if len(bases) == 0 {
		return nil, echo.NewHTTPError(http.StatusNotFound, "knowledge base not found")
	}
	return bases[0], nil
}

func convertKnowledgeBase(kb *store.KnowledgeBase) *knowledgeBaseResponse {
	return &knowledgeBaseResponse{
		UID:         kb.UID,
		Name:        kb.Name,
		Description: kb.Description,
		CreatedTs:   kb.CreatedTs,
	}
}

func convertDocument(doc *store.Document) *documentResponse {
	return &documentResponse{
		ID:         doc.ID,
		Title:      doc.Title,
		ChunkCount: doc.ChunkCount,
		CreatedTs:  doc.CreatedTs,
	}
}
