package engine

// Multipart field names of the remote detect endpoint.
const (
	fieldImage   = "image"
	fieldWeights = "weights"
	fieldConf    = "conf_thres"
	fieldIoU     = "iou_thres"
	fieldClasses = "classes"
	fieldName    = "name"
)

type providerErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
