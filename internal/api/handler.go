package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"restaurant-orders/internal/cart"
	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/httpx"
	"restaurant-orders/internal/service"
	"restaurant-orders/internal/waittime"
)

type Handler struct {
	Svc   *service.OrderService
	Carts *cart.Registry
	Wait  *waittime.Estimator
	Log   zerolog.Logger
}

func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(httpx.RequestID(), httpx.Logger(h.Log), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.POST("/cart/dish/add", h.addDish)
		api.POST("/cart/dish/remove", h.removeDish)
		api.GET("/cart", h.cart)
		api.POST("/cart/consume-type", h.setConsumeType)
		api.POST("/cart/release", h.release)
		api.GET("/table/occupied", h.tableOccupied)

		api.POST("/order", h.placeOrder)
		api.GET("/order/:id/complete", h.orderComplete)
		api.POST("/order/:id/resume", h.resumeOrder)
		api.POST("/order/:id/advance", h.advanceOrder)

		api.GET("/store/:id/waiting-time", h.waitingTime)

		api.POST("/pay", h.pay)
		api.POST("/pay/cancel", h.cancelPay)
	}
	return r
}

func userID(c *gin.Context) string {
	if uid := c.GetHeader("X-User-ID"); uid != "" {
		return uid
	}
	return c.Query("userId")
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTableOccupied),
		errors.Is(err, domain.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient stock"})
	default:
		h.Log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handler) addDish(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}
	storeID := intQuery(c, "storeId", 0)
	tableID := intQuery(c, "tableId", -1)
	dishID := intQuery(c, "dishId", 0)

	crt, err := h.Svc.AddDish(c.Request.Context(), storeID, tableID, uid, dishID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

func (h *Handler) removeDish(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}
	storeID := intQuery(c, "storeId", 0)
	tableID := intQuery(c, "tableId", -1)
	dishID := intQuery(c, "dishId", 0)

	crt, err := h.Svc.RemoveDish(c.Request.Context(), storeID, tableID, uid, dishID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if crt.LastModify == cart.RemovalRejected {
		c.JSON(http.StatusConflict, gin.H{"error": "submitted dishes cannot be removed", "cart": crt})
		return
	}
	c.JSON(http.StatusOK, crt)
}

func (h *Handler) cart(c *gin.Context) {
	crt := h.Carts.Get(userID(c))
	if crt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active cart"})
		return
	}
	c.JSON(http.StatusOK, crt.Snapshot())
}

func (h *Handler) setConsumeType(c *gin.Context) {
	ct := intQuery(c, "consumeType", -1)
	h.Carts.SetConsumeType(userID(c), ct)
	c.JSON(http.StatusOK, gin.H{"consumeType": ct})
}

func (h *Handler) release(c *gin.Context) {
	h.Carts.Release(userID(c))
	c.Status(http.StatusNoContent)
}

func (h *Handler) tableOccupied(c *gin.Context) {
	storeID := intQuery(c, "storeId", 0)
	tableID := intQuery(c, "tableId", -1)
	occupied := h.Carts.IsOccupied(storeID, tableID, userID(c))
	c.JSON(http.StatusOK, gin.H{"occupied": occupied})
}

func (h *Handler) placeOrder(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user id"})
		return
	}
	p, err := h.Svc.PlaceOrder(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": p.OrderID, "payId": p.PayID})
}

func (h *Handler) orderComplete(c *gin.Context) {
	done, err := h.Svc.IsComplete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complete": int(done)})
}

func (h *Handler) resumeOrder(c *gin.Context) {
	crt, err := h.Svc.ResumeOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, crt)
}

func (h *Handler) advanceOrder(c *gin.Context) {
	o, err := h.Svc.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": o.ID, "status": o.Status})
}

func (h *Handler) waitingTime(c *gin.Context) {
	storeID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad store id"})
		return
	}
	minutes, err := h.Wait.Estimate(c.Request.Context(), storeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"minutes": minutes})
}

func (h *Handler) pay(c *gin.Context) {
	payID := c.Query("payId")
	if payID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing pay id"})
		return
	}
	o, err := h.Svc.Pay(c.Request.Context(), payID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": o.ID, "status": o.Status, "fetchCode": o.FetchCode})
}

func (h *Handler) cancelPay(c *gin.Context) {
	payID := c.Query("payId")
	if payID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing pay id"})
		return
	}
	if err := h.Svc.CancelPay(c.Request.Context(), payID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
