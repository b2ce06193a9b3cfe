package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"ecg-server/internal/model"
)

func pairParam(c *gin.Context) (model.Pair, bool) {
	doctorID, err := strconv.ParseInt(c.Param("doctorId"), 10, 64)
	if err != nil || doctorID < 0 {
		return model.Pair{}, false
	}
	patientID, err := strconv.ParseInt(c.Param("patientId"), 10, 64)
	if err != nil || patientID < 0 {
		return model.Pair{}, false
	}
	return model.Pair{DoctorID: doctorID, PatientID: patientID}, true
}
