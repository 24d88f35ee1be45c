package api

import (
	"encoding/json"
	"net/http"
	"reflect"

	"stellar-mm/internal/service"
)

// writeResult 统一响应格式：
// 字符串 -> {"success": code<300, "message": ...}；数组原样输出；对象展开并加上 success。
func writeResult(w http.ResponseWriter, res service.Result) {
	ok := res.Code < http.StatusMultipleChoices
	var body interface{}

	switch p := res.Payload.(type) {
	case nil:
		body = map[string]interface{}{"success": ok}
	case string:
		body = map[string]interface{}{"success": ok, "message": p}
	default:
		kind := reflect.TypeOf(p).Kind()
		if kind == reflect.Slice || kind == reflect.Array {
			body = p
			break
		}
		fields, err := toFields(p)
		if err != nil {
			res.Code = http.StatusInternalServerError
			body = map[string]interface{}{"success": false, "message": "encode response: " + err.Error()}
			break
		}
		fields["success"] = ok
		body = fields
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// toFields 把任意对象转成字段表。
func toFields(p interface{}) (map[string]interface{}, error) {
	if m, ok := p.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"message": p}, nil
	}
	return out, nil
}
